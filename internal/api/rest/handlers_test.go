package rest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/avollmer/clockout/internal/pipeline"
	"github.com/avollmer/clockout/internal/timer"
)

type fakeService struct {
	startErr  error
	resumeErr error
	stopped   bool
	reset     bool
	state     State

	submitResult *pipeline.Result
	submitErr    error
	manualResult *pipeline.Result
	manualErr    error
	manualReq    ManualLogRequest
}

func (f *fakeService) StartTimer() error { return f.startErr }

func (f *fakeService) StopTimer() { f.stopped = true }

func (f *fakeService) ResumeTimer() error { return f.resumeErr }

func (f *fakeService) ResetTimer() { f.reset = true }

func (f *fakeService) State() State { return f.state }

func (f *fakeService) SubmitTimer(description string) (*pipeline.Result, error) {
	return f.submitResult, f.submitErr
}

func (f *fakeService) LogManual(ticketKey, duration, description string) (*pipeline.Result, error) {
	f.manualReq = ManualLogRequest{TicketKey: ticketKey, Duration: duration, Description: description}
	return f.manualResult, f.manualErr
}

func newTestRouter(t *testing.T, service *fakeService) http.Handler {
	t.Helper()
	events := NewBroadcaster(zap.NewNop())
	t.Cleanup(events.Close)

	h := NewHandler(service, events, zap.NewNop())
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		h.RegisterRoutes(r)
	})
	return r
}

func doRequest(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestStartTimerRoute(t *testing.T) {
	service := &fakeService{state: State{Time: "00:00:00", IsRunning: true}}
	router := newTestRouter(t, service)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/timer/start", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var state State
	json.NewDecoder(rec.Body).Decode(&state)
	if !state.IsRunning {
		t.Errorf("state = %+v", state)
	}
}

func TestStartTimerErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"already running", timer.ErrTimerRunning, http.StatusConflict},
		{"no ticket", timer.ErrNoTicket, http.StatusBadRequest},
		{"unauthenticated", timer.ErrNotAuthenticated, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(t, &fakeService{startErr: tt.err})
			rec := doRequest(t, router, http.MethodPost, "/api/v1/timer/start", "")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestManualLogRoute(t *testing.T) {
	service := &fakeService{
		manualResult: &pipeline.Result{
			TicketKey:          "PROJ-1",
			Minutes:            90,
			PrimarySucceeded:   true,
			SecondarySucceeded: true,
		},
	}
	router := newTestRouter(t, service)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/log/manual",
		`{"ticket_key":"PROJ-1","duration":"1h 30m","description":"pairing"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if service.manualReq.TicketKey != "PROJ-1" || service.manualReq.Duration != "1h 30m" {
		t.Errorf("request forwarded as %+v", service.manualReq)
	}

	var resp LogResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Minutes != 90 || !resp.SecondarySucceeded {
		t.Errorf("response = %+v", resp)
	}
}

func TestManualLogInvalidDuration(t *testing.T) {
	router := newTestRouter(t, &fakeService{manualErr: pipeline.ErrInvalidDuration})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/log/manual",
		`{"ticket_key":"PROJ-1","duration":"abc"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSubmitUnknownTicket(t *testing.T) {
	router := newTestRouter(t, &fakeService{submitErr: pipeline.ErrTicketNotFound})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/log/submit", `{}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestPartialSuccessReportsSecondaryError(t *testing.T) {
	service := &fakeService{
		submitResult: &pipeline.Result{
			TicketKey:        "PROJ-1",
			Minutes:          30,
			PrimarySucceeded: true,
			SecondaryError:   "billing integration failed: status 422",
		},
	}
	router := newTestRouter(t, service)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/log/submit", `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, partial success must be 200", rec.Code)
	}

	var resp LogResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.SecondarySucceeded || !strings.Contains(resp.SecondaryError, "422") {
		t.Errorf("response = %+v", resp)
	}
}

func TestStateRoute(t *testing.T) {
	service := &fakeService{state: State{Branch: "feature/PROJ-1", TicketKey: "PROJ-1", Time: "00:10:00"}}
	router := newTestRouter(t, service)

	rec := doRequest(t, router, http.MethodGet, "/api/v1/state", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var state State
	json.NewDecoder(rec.Body).Decode(&state)
	if state.TicketKey != "PROJ-1" || state.Time != "00:10:00" {
		t.Errorf("state = %+v", state)
	}
}
