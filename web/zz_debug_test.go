package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
)

func TestZZDebugMethodMismatch(t *testing.T) {
	f := newFixture(t, "http://token.local")

	rec := f.do(t, http.MethodGet, "/api/v1/sync/start", nil)
	t.Logf("code=%d body=%q", rec.Code, rec.Body.String())

	r, ok := f.router.(*mux.Router)
	t.Logf("router is *mux.Router: %v (type %T)", ok, f.router)
	if ok {
		var m mux.RouteMatch
		req := httptest.NewRequest(http.MethodGet, "/api/v1/sync/start", nil)
		matched := r.Match(req, &m)
		name := "<nil>"
		if m.Route != nil {
			if tpl, err := m.Route.GetPathTemplate(); err == nil {
				name = tpl
			}
		}
		t.Logf("matched=%v matchErr=%v route=%s", matched, m.MatchErr, name)
		_ = r.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
			tpl, _ := route.GetPathTemplate()
			methods, _ := route.GetMethods()
			t.Logf("route: %q methods=%v", tpl, methods)
			return nil
		})
	}
}
