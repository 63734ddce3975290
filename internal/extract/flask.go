package extract

// newFlask recognises @app.route / @bp.route and the 2.0 verb shortcuts,
// Blueprint(url_prefix=...) and register_blueprint(bp, url_prefix=...).
// A prefix given at registration replaces the blueprint's own.
func newFlask() *pythonVariant {
	return &pythonVariant{
		fw:               Flask,
		groupConstructor: "Blueprint",
		groupKeyword:     "url_prefix",
		mountMethod:      "register_blueprint",
		mountKeyword:     "url_prefix",
		routeMethods:     setOf("route"),
		verbMethods:      setOf("get", "post", "put", "patch", "delete"),
		templateCalls:    []string{"render_template"},
	}
}
