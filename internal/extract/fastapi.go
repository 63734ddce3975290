package extract

// newFastAPI recognises @app.get / @router.post and friends,
// @app.api_route(..., methods=[...]), APIRouter(prefix=...) and
// include_router(router, prefix=...). An include prefix is prepended to the
// router's own.
func newFastAPI() *pythonVariant {
	return &pythonVariant{
		fw:               FastAPI,
		groupConstructor: "APIRouter",
		groupKeyword:     "prefix",
		mountMethod:      "include_router",
		mountKeyword:     "prefix",
		stackMounts:      true,
		routeMethods:     setOf("api_route", "route"),
		verbMethods:      setOf("get", "post", "put", "patch", "delete", "options", "head", "trace"),
		templateCalls:    []string{"TemplateResponse"},
	}
}
