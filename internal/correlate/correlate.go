// Package correlate links observed HTTP exchanges to the route definitions
// that served them.
package correlate

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/phobologic/routetrace/internal/eventlog"
	"github.com/phobologic/routetrace/internal/logging"
	"github.com/phobologic/routetrace/internal/metrics"
	"github.com/phobologic/routetrace/internal/model"
	"github.com/phobologic/routetrace/internal/routes"
)

// Exchange is one completed request/response pair seen by the proxy.
type Exchange struct {
	Method string
	Path   string
	Host   string
	Status int
}

// Options configures a Correlator.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Session tags every event; empty leaves it off.
	Session string
}

// Correlator turns exchanges into correlation events. The index is only
// read; the log is the single thing it writes to.
type Correlator struct {
	index   *routes.Index
	log     *eventlog.Log
	metrics *metrics.Metrics
	session string
	logger  *slog.Logger
}

// New binds a correlator to an index and an event log.
func New(ix *routes.Index, log *eventlog.Log, opts Options) *Correlator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Correlator{
		index:   ix,
		log:     log,
		metrics: opts.Metrics,
		session: opts.Session,
		logger:  logger,
	}
}

// OnExchange matches the exchange against the index and appends the
// resulting event to the log. An unmatched exchange still produces an event,
// with a nil route and no files.
func (c *Correlator) OnExchange(x Exchange) model.Event {
	began := time.Now()

	ev := Build(c.index, x)
	ev.ID = uuid.NewString()
	ev.Session = c.session

	data, err := json.Marshal(ev)
	if err != nil {
		// Events hold only strings and ints; this cannot happen in practice.
		c.logger.Error("encode event", "path", x.Path, "err", err)
		return ev
	}
	n := c.log.Append(data) + 1

	c.metrics.ObserveExchange(ev.MatchedRoute != nil, time.Since(began), n)
	c.logger.Debug("exchange correlated",
		"method", x.Method,
		"path", x.Path,
		"matched", ev.MatchedRoute != nil,
	)
	return ev
}

// Build assembles the event for an exchange without recording it. API-call
// correlations come from references resolved when the index was built;
// templates are never rescanned here.
func Build(ix *routes.Index, x Exchange) model.Event {
	ev := model.Event{
		ObservedPath:   x.Path,
		ObservedMethod: x.Method,
		Host:           x.Host,
		Status:         x.Status,
		FilesInvolved:  []string{},
		APICalls:       []model.APICallCorrelation{},
	}
	r := ix.Match(x.Path, x.Method)
	if r == nil {
		return ev
	}
	ev.MatchedRoute = model.Ref(r)
	ev.FilesInvolved = r.Files()
	for _, ref := range r.APICalls() {
		ev.APICalls = append(ev.APICalls, model.APICallCorrelation{
			URL:           ref.URL,
			ResolvedRoute: model.Ref(ref.Route),
		})
	}
	return ev
}
