package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/okian/kudos/internal/adapters/dispatch"
	"github.com/okian/kudos/internal/adapters/ledger"
	"github.com/okian/kudos/internal/domain/model"
	"github.com/okian/kudos/internal/domain/rank"
	"github.com/okian/kudos/internal/domain/rules"
	"github.com/okian/kudos/internal/engine"
	. "github.com/smartystreets/goconvey/convey"
)

var loginRules = []rules.Declaration{
	{Name: "login", Category: rules.CategoryPoint, AppliesTo: []string{"login"}, Score: 1},
	{Name: "veteran", Category: rules.CategoryBadge, AppliesTo: []string{"login"}, Tiers: []rules.Tier{{Threshold: 5}}},
}

func newEngine(store ledger.Store, opts ...engine.Option) *engine.Engine {
	if store == nil {
		store = ledger.NewMemoryStore()
	}
	ranks := rank.MustNew([]rank.Threshold{{MinPoints: 3, Name: "regular"}})
	e := engine.New(ledger.New(store, ranks), dispatch.New(), opts...)
	rs, err := rules.Load(loginRules)
	So(err, ShouldBeNil)
	So(e.Load(rs), ShouldBeNil)
	So(e.Ready(), ShouldBeNil)
	return e
}

func login(subject string) model.Event {
	return model.Event{Name: "login", SubjectID: subject}
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()

	Convey("Given an engine without rules", t, func() {
		e := engine.New(ledger.New(ledger.NewMemoryStore(), nil), nil)

		Convey("When an event is processed", func() {
			_, err := e.Process(ctx, login("s"))

			Convey("Then the engine reports it is not ready", func() {
				So(errors.Is(err, engine.ErrNotReady), ShouldBeTrue)
				So(e.RulesLoaded(), ShouldBeFalse)
				So(e.IsReady(), ShouldBeFalse)
				So(e.Rules(), ShouldBeNil)
			})
		})

		Convey("When Ready is called before Load", func() {
			err := e.Ready()

			Convey("Then it fails", func() {
				So(errors.Is(err, engine.ErrRulesNotLoaded), ShouldBeTrue)
			})
		})

		Convey("When rules are loaded but Ready is not called", func() {
			rs, _ := rules.Load(loginRules)
			So(e.Load(rs), ShouldBeNil)
			_, err := e.Process(ctx, login("s"))

			Convey("Then events are still refused", func() {
				So(e.RulesLoaded(), ShouldBeTrue)
				So(errors.Is(err, engine.ErrNotReady), ShouldBeTrue)
			})

			Convey("And after Ready the rules are fixed", func() {
				So(e.Ready(), ShouldBeNil)
				So(errors.Is(e.Load(rs), engine.ErrAlreadyReady), ShouldBeTrue)
				So(e.Rules().Len(), ShouldEqual, 2)
			})
		})

		Convey("When a nil rule set is loaded", func() {
			err := e.Load(nil)

			Convey("Then loading fails", func() {
				So(err, ShouldNotBeNil)
				So(e.RulesLoaded(), ShouldBeFalse)
			})
		})
	})
}

func TestProcess(t *testing.T) {
	ctx := context.Background()

	Convey("Given a login rule and a veteran badge at 5 points", t, func() {
		e := newEngine(nil)
		var changes []model.CommittedChange
		So(e.Register(dispatch.ObserverFunc(func(_ context.Context, c model.CommittedChange) error {
			changes = append(changes, c)
			return nil
		})), ShouldBeNil)

		Convey("When five logins are processed sequentially", func() {
			var results []model.CommittedChange
			for i := 0; i < 5; i++ {
				c, err := e.Process(ctx, login("s"))
				So(err, ShouldBeNil)
				results = append(results, c)
			}

			Convey("Then the fifth change alone carries the veteran badge", func() {
				entry, err := e.Read(ctx, "s")
				So(err, ShouldBeNil)
				So(entry.Points, ShouldEqual, 5)
				So(entry.Badges, ShouldResemble, []model.BadgeKey{{Name: "veteran", Level: 1}})

				withBadge := 0
				for i, c := range results {
					if len(c.Badges) > 0 {
						withBadge++
						So(i, ShouldEqual, 4)
					}
				}
				So(withBadge, ShouldEqual, 1)
			})

			Convey("And observers saw every change in order", func() {
				So(len(changes), ShouldEqual, 5)
				for i, c := range changes {
					So(c.Version, ShouldEqual, uint64(i+1))
					So(c.EventName, ShouldEqual, "login")
					So(c.Dispatch, ShouldEqual, model.DispatchDelivered)
				}
				So(changes[2].Rank, ShouldResemble, &model.RankTransition{From: rank.Unranked, To: "regular"})
			})

			Convey("And the leaderboard reflects the subject", func() {
				rows, err := e.Leaderboard(ctx, 10)
				So(err, ShouldBeNil)
				So(len(rows), ShouldEqual, 1)
				So(rows[0].Points, ShouldEqual, 5)
				So(rows[0].Rank, ShouldEqual, "regular")
			})
		})

		Convey("When an event matches no rule", func() {
			c, err := e.Process(ctx, model.Event{Name: "logout", SubjectID: "s"})

			Convey("Then an empty change is returned and nothing is dispatched", func() {
				So(err, ShouldBeNil)
				So(c.Empty(), ShouldBeTrue)
				So(c.EventName, ShouldEqual, "logout")
				So(c.Dispatch, ShouldEqual, model.DispatchNone)
				So(changes, ShouldBeEmpty)
			})
		})

		Convey("When the event is malformed", func() {
			_, noName := e.Process(ctx, model.Event{SubjectID: "s"})
			_, noSubject := e.Process(ctx, model.Event{Name: "login", SubjectID: "  "})

			Convey("Then it is rejected before evaluation", func() {
				So(errors.Is(noName, engine.ErrInvalidEvent), ShouldBeTrue)
				So(errors.Is(noSubject, engine.ErrInvalidEvent), ShouldBeTrue)
			})
		})

		Convey("When the caller's context is already done", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			_, err := e.Process(cctx, login("s"))

			Convey("Then nothing is committed", func() {
				So(errors.Is(err, context.Canceled), ShouldBeTrue)
				entry, _ := e.Read(ctx, "s")
				So(entry.Points, ShouldEqual, 0)
			})
		})
	})
}

func TestConcurrentProcessing(t *testing.T) {
	ctx := context.Background()

	Convey("Given two logins for the same subject racing", t, func() {
		e := newEngine(nil, engine.WithMaxRetries(10))
		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = e.Process(ctx, login("s"))
			}(i)
		}
		wg.Wait()

		Convey("Then both land and no update is lost", func() {
			So(errs[0], ShouldBeNil)
			So(errs[1], ShouldBeNil)
			entry, _ := e.Read(ctx, "s")
			So(entry.Points, ShouldEqual, 2)
		})
	})

	Convey("Given many callers submitting for a few subjects", t, func() {
		e := newEngine(nil, engine.WithMaxRetries(100))
		var (
			mu   sync.Mutex
			seen = make(map[string][]uint64)
		)
		So(e.Register(dispatch.ObserverFunc(func(_ context.Context, c model.CommittedChange) error {
			mu.Lock()
			seen[c.SubjectID] = append(seen[c.SubjectID], c.Version)
			mu.Unlock()
			return nil
		})), ShouldBeNil)

		subjects := []string{"a", "b", "c"}
		var wg sync.WaitGroup
		for w := 0; w < 6; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					if _, err := e.Process(ctx, login(subjects[(w+i)%len(subjects)])); err != nil {
						panic(err)
					}
				}
			}(w)
		}
		wg.Wait()

		Convey("Then each subject's changes are observed in commit order", func() {
			total := 0
			for _, s := range subjects {
				versions := seen[s]
				for i, v := range versions {
					So(v, ShouldEqual, uint64(i+1))
				}
				entry, _ := e.Read(ctx, s)
				So(entry.Points, ShouldEqual, int64(len(versions)))
				So(entry.HasBadge(model.BadgeKey{Name: "veteran", Level: 1}), ShouldBeTrue)
				total += len(versions)
			}
			So(total, ShouldEqual, 120)
		})
	})
}

func TestSlowObserverDoesNotStallOtherSubjects(t *testing.T) {
	ctx := context.Background()

	Convey("Given an observer that stalls on alice's changes", t, func() {
		e := newEngine(nil)
		entered := make(chan struct{})
		release := make(chan struct{})
		So(e.Register(dispatch.ObserverFunc(func(_ context.Context, c model.CommittedChange) error {
			if c.SubjectID == "alice" {
				close(entered)
				<-release
			}
			return nil
		})), ShouldBeNil)

		done := make(chan error, 1)
		go func() {
			_, err := e.Process(ctx, login("alice"))
			done <- err
		}()
		<-entered

		Convey("When other subjects are processed during the stall", func() {
			start := time.Now()
			for i := 0; i < 500; i++ {
				_, err := e.Process(ctx, login(fmt.Sprintf("user-%d", i)))
				So(err, ShouldBeNil)
			}
			elapsed := time.Since(start)
			close(release)

			Convey("Then none of them waits for alice's observer", func() {
				So(elapsed, ShouldBeLessThan, time.Second)
				So(<-done, ShouldBeNil)
			})
		})
	})
}

func TestObserverIsolation(t *testing.T) {
	ctx := context.Background()

	Convey("Given an observer that always fails between two healthy ones", t, func() {
		e := newEngine(nil)
		var before, after atomic.Int32
		So(e.Register(dispatch.ObserverFunc(func(context.Context, model.CommittedChange) error {
			before.Add(1)
			return nil
		})), ShouldBeNil)
		So(e.Register(dispatch.ObserverFunc(func(context.Context, model.CommittedChange) error {
			return errors.New("mail server down")
		})), ShouldBeNil)
		So(e.Register(dispatch.ObserverFunc(func(context.Context, model.CommittedChange) error {
			after.Add(1)
			return nil
		})), ShouldBeNil)

		Convey("When an event is processed", func() {
			c, err := e.Process(ctx, login("s"))

			Convey("Then the commit stands and the failure is attached", func() {
				So(err, ShouldBeNil)
				So(c.PointsAfter, ShouldEqual, 1)
				So(c.ObserverErrors, ShouldResemble, []model.ObserverFailure{{Observer: "observer-1", Message: "mail server down"}})
				So(before.Load(), ShouldEqual, 1)
				So(after.Load(), ShouldEqual, 1)
				entry, _ := e.Read(ctx, "s")
				So(entry.Points, ShouldEqual, 1)
			})
		})
	})
}

// conflictStore fails a fixed number of commits with a version conflict.
type conflictStore struct {
	*ledger.MemoryStore
	failures atomic.Int32
}

func (s *conflictStore) Commit(ctx context.Context, c ledger.Commit) error {
	if s.failures.Add(-1) >= 0 {
		return fmt.Errorf("injected: %w", ledger.ErrConcurrentModification)
	}
	return s.MemoryStore.Commit(ctx, c)
}

func TestApplyRetries(t *testing.T) {
	ctx := context.Background()
	zero := engine.WithRetryBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })

	Convey("Given a store that conflicts twice", t, func() {
		store := &conflictStore{MemoryStore: ledger.NewMemoryStore()}
		store.failures.Store(2)
		e := newEngine(store, engine.WithMaxRetries(3), zero)

		Convey("When an event is processed", func() {
			c, err := e.Process(ctx, login("s"))

			Convey("Then it is re-evaluated and commits", func() {
				So(err, ShouldBeNil)
				So(c.PointsAfter, ShouldEqual, 1)
			})
		})
	})

	Convey("Given a store that always conflicts", t, func() {
		store := &conflictStore{MemoryStore: ledger.NewMemoryStore()}
		store.failures.Store(1000)
		e := newEngine(store, engine.WithMaxRetries(2), zero)

		Convey("When an event is processed", func() {
			_, err := e.Process(ctx, login("s"))

			Convey("Then retries run out and the conflict is surfaced", func() {
				So(errors.Is(err, engine.ErrRetriesExhausted), ShouldBeTrue)
				So(errors.Is(err, ledger.ErrConcurrentModification), ShouldBeTrue)
				So(store.failures.Load(), ShouldEqual, 1000-3)
			})
		})
	})
}
