package observers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/okian/kudos/internal/adapters/dispatch/observers"
	"github.com/okian/kudos/internal/domain/model"
	"github.com/okian/kudos/pkg/logger"
	"github.com/okian/kudos/pkg/metrics"
	. "github.com/smartystreets/goconvey/convey"
)

func change(subject string, version uint64) model.CommittedChange {
	return model.CommittedChange{
		ID:          fmt.Sprintf("%s-%d", subject, version),
		SubjectID:   subject,
		EventName:   "login",
		Event:       model.Event{Name: "login", Payload: map[string]any{"ip": "10.0.0.1"}},
		Points:      []model.PointGrant{{Rule: "login", Amount: 1}},
		PointsAfter: int64(version),
		Version:     version,
	}
}

func TestActivityLog(t *testing.T) {
	ctx := context.Background()

	Convey("Given an activity log keeping three changes per subject", t, func() {
		a, err := observers.NewActivityLog(3)
		So(err, ShouldBeNil)

		Convey("When five changes are observed for one subject", func() {
			for v := uint64(1); v <= 5; v++ {
				So(a.OnChange(ctx, change("s", v)), ShouldBeNil)
			}
			So(a.OnChange(ctx, change("t", 1)), ShouldBeNil)

			Convey("Then only the newest three are kept, newest first", func() {
				recent := a.Recent("s", 0)
				So(len(recent), ShouldEqual, 3)
				So(recent[0].Version, ShouldEqual, 5)
				So(recent[2].Version, ShouldEqual, 3)
				So(recent[0].Event.Payload, ShouldBeNil)
				So(len(a.Recent("s", 2)), ShouldEqual, 2)
				So(a.Recent("nobody", 5), ShouldBeEmpty)
				So(a.Subjects(), ShouldEqual, 2)
			})
		})
	})

	Convey("Given invalid sizes", t, func() {
		_, err := observers.NewActivityLog(-1)
		a, defErr := observers.NewActivityLog(0)

		Convey("Then negatives are refused and zero selects the default", func() {
			So(errors.Is(err, observers.ErrInvalidHistory), ShouldBeTrue)
			So(defErr, ShouldBeNil)
			So(a.Name(), ShouldEqual, "activity")
		})
	})
}

func TestLoggingObserver(t *testing.T) {
	Convey("Given a logging observer writing JSON", t, func() {
		var buf bytes.Buffer
		So(logger.Init(logger.WithFormat("json"), logger.WithOutput(&buf), logger.WithLevel("info")), ShouldBeNil)
		o := observers.NewLogging(nil)

		Convey("When a rank-changing change is observed", func() {
			c := change("s", 1)
			c.Rank = &model.RankTransition{From: "", To: "bronze"}
			So(o.OnChange(context.Background(), c), ShouldBeNil)

			Convey("Then the change is logged with its fields", func() {
				out := buf.String()
				So(out, ShouldContainSubstring, `"msg":"reputation changed"`)
				So(out, ShouldContainSubstring, `"subject":"s"`)
				So(out, ShouldContainSubstring, `"rank_to":"bronze"`)
				So(o.Name(), ShouldEqual, "logging")
			})
		})
	})
}

func TestMetricsObserver(t *testing.T) {
	Convey("Given a metrics observer", t, func() {
		o := observers.NewMetrics()
		reg := metrics.GetRegistry()
		So(reg, ShouldNotBeNil)

		Convey("When a change with grants is observed", func() {
			c := change("s", 1)
			c.Badges = []model.BadgeGrant{{BadgeKey: model.BadgeKey{Name: "observer-test-badge", Level: 1}, Rule: "observer-test-badge"}}
			c.Rank = &model.RankTransition{To: "observer-test-rank"}
			err := o.OnChange(context.Background(), c)

			Convey("Then the badge and rank counters move", func() {
				So(err, ShouldBeNil)
				n, gatherErr := testutil.GatherAndCount(reg, "kudos_engine_badges_granted_total")
				So(gatherErr, ShouldBeNil)
				So(n, ShouldBeGreaterThan, 0)
				So(o.Name(), ShouldEqual, "metrics")
			})
		})
	})
}

func TestWebhook(t *testing.T) {
	ctx := context.Background()
	fast := observers.WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) })

	Convey("Given a webhook receiver that fails twice before accepting", t, func() {
		var calls atomic.Int32
		var got model.CommittedChange
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) <= 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_ = json.NewDecoder(r.Body).Decode(&got)
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		Convey("When a change is delivered with three attempts", func() {
			w, err := observers.NewWebhook(srv.URL, observers.WithAttempts(3), fast)
			So(err, ShouldBeNil)
			err = w.OnChange(ctx, change("s", 7))

			Convey("Then it succeeds on the third try", func() {
				So(err, ShouldBeNil)
				So(calls.Load(), ShouldEqual, 3)
				So(got.SubjectID, ShouldEqual, "s")
				So(got.Version, ShouldEqual, 7)
			})
		})

		Convey("When only two attempts are allowed", func() {
			w, _ := observers.NewWebhook(srv.URL, observers.WithAttempts(2), fast)
			err := w.OnChange(ctx, change("s", 1))

			Convey("Then the status error surfaces", func() {
				So(errors.Is(err, observers.ErrWebhookStatus), ShouldBeTrue)
				So(calls.Load(), ShouldEqual, 2)
			})
		})
	})

	Convey("Given a receiver that rejects the payload", t, func() {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer srv.Close()

		w, _ := observers.NewWebhook(srv.URL, fast)
		err := w.OnChange(ctx, change("s", 1))

		Convey("Then client errors are not retried", func() {
			So(errors.Is(err, observers.ErrWebhookStatus), ShouldBeTrue)
			So(calls.Load(), ShouldEqual, 1)
		})
	})

	Convey("Given an empty URL", t, func() {
		_, err := observers.NewWebhook("  ")

		Convey("Then construction fails", func() {
			So(errors.Is(err, observers.ErrEmptyURL), ShouldBeTrue)
		})
	})
}
