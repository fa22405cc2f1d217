package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/okian/kudos/internal/adapters/http/api"
	"github.com/okian/kudos/internal/adapters/ledger"
	"github.com/okian/kudos/internal/domain/model"
	"github.com/okian/kudos/internal/domain/rules"
	"github.com/okian/kudos/internal/domain/types"
	"github.com/okian/kudos/internal/engine"
	. "github.com/smartystreets/goconvey/convey"
)

// mockDeps implements api.Dependencies.
type mockDeps struct {
	seen       map[string]bool
	processed  []model.Event
	processErr error
	ready      bool
	top        []types.LeaderboardEntry
	subjects   map[string]types.Subject
	activity   []model.CommittedChange
	rules      []types.Rule

	// entered and release, when set, hold Process until the test lets go.
	entered chan struct{}
	release chan struct{}
}

func newMockDeps() *mockDeps {
	return &mockDeps{
		seen:     make(map[string]bool),
		ready:    true,
		subjects: make(map[string]types.Subject),
	}
}

func (m *mockDeps) SeenAndRecord(_ context.Context, id string) bool {
	if id == "" {
		return false
	}
	if m.seen[id] {
		return true
	}
	m.seen[id] = true
	return false
}

func (m *mockDeps) Unrecord(_ context.Context, id string) { delete(m.seen, id) }

func (m *mockDeps) Size() int { return len(m.seen) }

func (m *mockDeps) Process(_ context.Context, e model.Event) (model.CommittedChange, error) {
	if m.release != nil {
		close(m.entered)
		<-m.release
	}
	if m.processErr != nil {
		return model.CommittedChange{}, m.processErr
	}
	m.processed = append(m.processed, e)
	return model.CommittedChange{
		SubjectID:   e.SubjectID,
		EventName:   e.Name,
		Points:      []model.PointGrant{{Rule: e.Name, Amount: 1}},
		PointsAfter: int64(len(m.processed)),
		Version:     uint64(len(m.processed)),
	}, nil
}

func (m *mockDeps) Subject(_ context.Context, id string) (types.Subject, error) {
	if s, ok := m.subjects[id]; ok {
		return s, nil
	}
	return types.Subject{SubjectID: id, Badges: []model.BadgeKey{}}, nil
}

func (m *mockDeps) Activity(_ context.Context, _ string, n int) ([]model.CommittedChange, error) {
	if n < len(m.activity) {
		return m.activity[:n], nil
	}
	return m.activity, nil
}

func (m *mockDeps) TopN(_ context.Context, n int) ([]types.LeaderboardEntry, error) {
	if n < 1 {
		return nil, ledger.ErrInvalidLimit
	}
	if n < len(m.top) {
		return m.top[:n], nil
	}
	return m.top, nil
}

func (m *mockDeps) Rules(context.Context) ([]types.Rule, error) { return m.rules, nil }

func (m *mockDeps) Badge(_ context.Context, name string) (types.Rule, error) {
	for _, r := range m.rules {
		if r.Name == name && r.Category == string(rules.CategoryBadge) {
			return r, nil
		}
	}
	return types.Rule{}, fmt.Errorf("%w: %s", rules.ErrBadgeNotFound, name)
}

func (m *mockDeps) IsReady() bool { return m.ready }

func (m *mockDeps) GetStats(context.Context) map[string]any {
	return map[string]any{"started": m.ready, "dedupe_size": len(m.seen)}
}

func newMux(deps *mockDeps, policy api.Policy) *http.ServeMux {
	mux := http.NewServeMux()
	api.NewServer(deps, policy, 100).Register(mux)
	return mux
}

func do(mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestPostEvent(t *testing.T) {
	Convey("Given an API server", t, func() {
		deps := newMockDeps()
		mux := newMux(deps, api.DefaultPolicy())

		Convey("When a valid event is posted", func() {
			rec := do(mux, http.MethodPost, "/events", `{"event_id":"e1","name":"login","subject_id":"alice"}`)

			Convey("Then it is processed and the change is returned", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
				var resp types.EventResponse
				So(json.Unmarshal(rec.Body.Bytes(), &resp), ShouldBeNil)
				So(resp.Status, ShouldEqual, types.StatusProcessed)
				So(resp.Change, ShouldNotBeNil)
				So(resp.Change.SubjectID, ShouldEqual, "alice")
				So(len(deps.processed), ShouldEqual, 1)
				So(deps.processed[0].ID, ShouldEqual, "e1")
			})

			Convey("And posting it again is reported as a duplicate", func() {
				again := do(mux, http.MethodPost, "/events", `{"event_id":"e1","name":"login","subject_id":"alice"}`)
				So(again.Code, ShouldEqual, http.StatusOK)
				var resp types.EventResponse
				So(json.Unmarshal(again.Body.Bytes(), &resp), ShouldBeNil)
				So(resp.Duplicate, ShouldBeTrue)
				So(resp.Status, ShouldEqual, types.StatusDuplicate)
				So(len(deps.processed), ShouldEqual, 1)
			})
		})

		Convey("When events without an ID are posted twice", func() {
			do(mux, http.MethodPost, "/events", `{"name":"login","subject_id":"alice"}`)
			do(mux, http.MethodPost, "/events", `{"name":"login","subject_id":"alice"}`)

			Convey("Then both are processed", func() {
				So(len(deps.processed), ShouldEqual, 2)
			})
		})

		Convey("When the body is malformed or incomplete", func() {
			badJSON := do(mux, http.MethodPost, "/events", `{"name":`)
			noSubject := do(mux, http.MethodPost, "/events", `{"name":"login"}`)
			badTime := do(mux, http.MethodPost, "/events", `{"name":"login","subject_id":"a","occurred_at":"now"}`)

			Convey("Then the request is rejected", func() {
				So(badJSON.Code, ShouldEqual, http.StatusBadRequest)
				So(noSubject.Code, ShouldEqual, http.StatusBadRequest)
				So(badTime.Code, ShouldEqual, http.StatusBadRequest)
				So(deps.processed, ShouldBeEmpty)
			})
		})

		Convey("When processing fails", func() {
			cases := []struct {
				err  error
				code int
			}{
				{engine.ErrNotReady, http.StatusServiceUnavailable},
				{fmt.Errorf("%w: bad", engine.ErrInvalidEvent), http.StatusBadRequest},
				{fmt.Errorf("%w after 4 attempts: %w", engine.ErrRetriesExhausted, ledger.ErrConcurrentModification), http.StatusConflict},
				{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
			}
			for i, c := range cases {
				deps.processErr = c.err
				id := fmt.Sprintf("fail-%d", i)
				rec := do(mux, http.MethodPost, "/events", `{"event_id":"`+id+`","name":"login","subject_id":"a"}`)
				So(rec.Code, ShouldEqual, c.code)
				So(deps.seen[id], ShouldBeFalse)
			}

			Convey("Then the event ID is released for a retry", func() {
				deps.processErr = nil
				rec := do(mux, http.MethodPost, "/events", `{"event_id":"fail-0","name":"login","subject_id":"a"}`)
				So(rec.Code, ShouldEqual, http.StatusOK)
			})
		})
	})

	Convey("Given a first delivery that is still being processed", t, func() {
		deps := newMockDeps()
		deps.entered = make(chan struct{})
		deps.release = make(chan struct{})
		deps.processErr = fmt.Errorf("disk on fire")
		mux := newMux(deps, api.DefaultPolicy())

		first := make(chan *httptest.ResponseRecorder, 1)
		go func() {
			first <- do(mux, http.MethodPost, "/events", `{"event_id":"slow","name":"login","subject_id":"a"}`)
		}()
		<-deps.entered

		Convey("When the same event ID arrives meanwhile", func() {
			repeat := do(mux, http.MethodPost, "/events", `{"event_id":"slow","name":"login","subject_id":"a"}`)
			close(deps.release)
			failed := <-first

			Convey("Then it is told to retry instead of being acknowledged", func() {
				So(repeat.Code, ShouldEqual, http.StatusConflict)
				So(repeat.Body.String(), ShouldContainSubstring, "in_progress")
				So(failed.Code, ShouldEqual, http.StatusInternalServerError)
			})

			Convey("And a retry after the failure is processed", func() {
				deps.release = nil
				deps.processErr = nil
				retry := do(mux, http.MethodPost, "/events", `{"event_id":"slow","name":"login","subject_id":"a"}`)
				So(retry.Code, ShouldEqual, http.StatusOK)
				So(len(deps.processed), ShouldEqual, 1)
			})

			Convey("And the error metric carries the response code", func() {
				body := do(mux, http.MethodGet, "/metrics", "").Body.String()
				So(body, ShouldContainSubstring, `error_type="in_progress"`)
				So(body, ShouldContainSubstring, `error_type="internal_error"`)
			})
		})
	})

	Convey("Given a policy that skips some events", t, func() {
		deps := newMockDeps()
		mux := newMux(deps, api.Policy{ChecksOnEachRequest: true, SkipEvents: []string{"heartbeat"}})

		Convey("When a skipped and a normal event are posted", func() {
			skipped := do(mux, http.MethodPost, "/events", `{"name":"heartbeat","subject_id":"a"}`)
			normal := do(mux, http.MethodPost, "/events", `{"name":"login","subject_id":"a"}`)

			Convey("Then only the normal event reaches the engine", func() {
				So(skipped.Code, ShouldEqual, http.StatusAccepted)
				So(skipped.Body.String(), ShouldContainSubstring, types.StatusSkipped)
				So(normal.Code, ShouldEqual, http.StatusOK)
				So(len(deps.processed), ShouldEqual, 1)
			})
		})
	})

	Convey("Given processing turned off", t, func() {
		deps := newMockDeps()
		mux := newMux(deps, api.Policy{})
		rec := do(mux, http.MethodPost, "/events", `{"name":"login","subject_id":"a"}`)

		Convey("Then events are acknowledged and dropped", func() {
			So(rec.Code, ShouldEqual, http.StatusAccepted)
			So(deps.processed, ShouldBeEmpty)
		})
	})
}

func TestReads(t *testing.T) {
	Convey("Given an API server with some state", t, func() {
		deps := newMockDeps()
		deps.subjects["alice"] = types.Subject{SubjectID: "alice", Points: 7, Rank: "regular", Position: 1, Badges: []model.BadgeKey{{Name: "veteran", Level: 1}}, Version: 7}
		deps.top = []types.LeaderboardEntry{
			{Position: 1, SubjectID: "alice", Points: 7},
			{Position: 2, SubjectID: "bob", Points: 3},
		}
		deps.activity = []model.CommittedChange{{SubjectID: "alice", Version: 7}, {SubjectID: "alice", Version: 6}}
		deps.rules = []types.Rule{
			{Name: "login", Category: string(rules.CategoryPoint), Events: []string{"login"}},
			{Name: "veteran", Category: string(rules.CategoryBadge), Events: []string{"login"}, Tiers: []rules.Tier{{Threshold: 5}}},
		}
		mux := newMux(deps, api.DefaultPolicy())

		Convey("When a subject is read", func() {
			rec := do(mux, http.MethodGet, "/subjects/alice", "")

			Convey("Then its reputation is returned", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
				var sub types.Subject
				So(json.Unmarshal(rec.Body.Bytes(), &sub), ShouldBeNil)
				So(sub.Points, ShouldEqual, 7)
				So(sub.Position, ShouldEqual, 1)
				So(sub.Badges, ShouldResemble, []model.BadgeKey{{Name: "veteran", Level: 1}})
			})
		})

		Convey("When activity is read with a limit", func() {
			rec := do(mux, http.MethodGet, "/subjects/alice/activity?limit=1", "")
			bad := do(mux, http.MethodGet, "/subjects/alice/activity?limit=zero", "")

			Convey("Then at most that many changes come back", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
				var changes []model.CommittedChange
				So(json.Unmarshal(rec.Body.Bytes(), &changes), ShouldBeNil)
				So(len(changes), ShouldEqual, 1)
				So(changes[0].Version, ShouldEqual, 7)
				So(bad.Code, ShouldEqual, http.StatusBadRequest)
			})
		})

		Convey("When the leaderboard is read", func() {
			def := do(mux, http.MethodGet, "/leaderboard", "")
			one := do(mux, http.MethodGet, "/leaderboard?limit=1", "")
			bad := do(mux, http.MethodGet, "/leaderboard?limit=-3", "")
			tooMany := do(mux, http.MethodGet, "/leaderboard?limit=101", "")

			Convey("Then limits are honoured and validated", func() {
				So(def.Code, ShouldEqual, http.StatusOK)
				var rows []types.LeaderboardEntry
				So(json.Unmarshal(def.Body.Bytes(), &rows), ShouldBeNil)
				So(len(rows), ShouldEqual, 2)

				So(json.Unmarshal(one.Body.Bytes(), &rows), ShouldBeNil)
				So(len(rows), ShouldEqual, 1)
				So(rows[0].SubjectID, ShouldEqual, "alice")

				So(bad.Code, ShouldEqual, http.StatusBadRequest)
				So(tooMany.Code, ShouldEqual, http.StatusBadRequest)
				So(tooMany.Body.String(), ShouldContainSubstring, "limit_exceeded")
			})
		})

		Convey("When rules and badges are read", func() {
			list := do(mux, http.MethodGet, "/rules", "")
			badge := do(mux, http.MethodGet, "/badges/veteran", "")
			missing := do(mux, http.MethodGet, "/badges/login", "")

			Convey("Then badges are found by name and point rules are not badges", func() {
				So(list.Code, ShouldEqual, http.StatusOK)
				var rs []types.Rule
				So(json.Unmarshal(list.Body.Bytes(), &rs), ShouldBeNil)
				So(len(rs), ShouldEqual, 2)
				So(badge.Code, ShouldEqual, http.StatusOK)
				So(badge.Body.String(), ShouldContainSubstring, `"threshold":5`)
				So(missing.Code, ShouldEqual, http.StatusNotFound)
			})
		})

		Convey("When the wrong method is used", func() {
			rec := do(mux, http.MethodDelete, "/leaderboard", "")

			Convey("Then the mux refuses it", func() {
				So(rec.Code, ShouldEqual, http.StatusMethodNotAllowed)
			})
		})
	})
}

func TestHealth(t *testing.T) {
	Convey("Given an API server", t, func() {
		deps := newMockDeps()
		mux := newMux(deps, api.DefaultPolicy())

		Convey("When the engine is ready", func() {
			Convey("Then every health check succeeds", func() {
				So(do(mux, http.MethodGet, "/healthz", "").Code, ShouldEqual, http.StatusOK)
				So(do(mux, http.MethodGet, "/readyz", "").Code, ShouldEqual, http.StatusOK)
				stats := do(mux, http.MethodGet, "/stats", "")
				So(stats.Code, ShouldEqual, http.StatusOK)
				So(stats.Body.String(), ShouldContainSubstring, "dedupe_size")
			})
		})

		Convey("When the engine is not ready", func() {
			deps.ready = false

			Convey("Then readiness fails while liveness holds", func() {
				So(do(mux, http.MethodGet, "/readyz", "").Code, ShouldEqual, http.StatusServiceUnavailable)
				So(do(mux, http.MethodGet, "/healthz", "").Code, ShouldEqual, http.StatusOK)
			})
		})

		Convey("When metrics are scraped", func() {
			do(mux, http.MethodGet, "/healthz", "")
			rec := do(mux, http.MethodGet, "/metrics", "")

			Convey("Then the HTTP counters are exposed", func() {
				So(rec.Code, ShouldEqual, http.StatusOK)
				So(rec.Body.String(), ShouldContainSubstring, "http_requests_total")
			})
		})
	})
}
