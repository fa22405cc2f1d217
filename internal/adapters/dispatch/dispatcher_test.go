package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/okian/kudos/internal/adapters/dispatch"
	"github.com/okian/kudos/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

type named struct {
	dispatch.ObserverFunc
	name string
}

func (n named) Name() string { return n.name }

func change(subject string, version uint64) model.CommittedChange {
	return model.CommittedChange{
		ID:        fmt.Sprintf("%s-%d", subject, version),
		SubjectID: subject,
		Version:   version,
		Points:    []model.PointGrant{{Rule: "login", Amount: 1}},
	}
}

func TestNotify(t *testing.T) {
	ctx := context.Background()

	Convey("Given a synchronous dispatcher with three observers", t, func() {
		d := dispatch.New()
		var calls []string
		record := func(name string, err error) dispatch.Observer {
			return named{name: name, ObserverFunc: func(_ context.Context, c model.CommittedChange) error {
				calls = append(calls, name)
				c.Points[0].Amount = 999
				return err
			}}
		}
		So(d.Register(record("first", nil)), ShouldBeNil)
		So(d.Register(dispatch.ObserverFunc(func(context.Context, model.CommittedChange) error {
			calls = append(calls, "panicky")
			panic("kaboom")
		})), ShouldBeNil)
		So(d.Register(record("third", errors.New("down"))), ShouldBeNil)

		Convey("When a change is notified", func() {
			c := change("s", 1)
			err := d.Notify(ctx, c)

			Convey("Then every observer runs in order and failures are collected", func() {
				So(calls, ShouldResemble, []string{"first", "panicky", "third"})
				var batch *dispatch.BatchError
				So(errors.As(err, &batch), ShouldBeTrue)
				So(len(batch.Failures), ShouldEqual, 2)
				So(batch.Failures[0].Observer, ShouldEqual, "observer-1")
				So(errors.Is(err, dispatch.ErrObserverPanic), ShouldBeTrue)
				So(batch.Failures[1].Observer, ShouldEqual, "third")
			})

			Convey("And observers cannot mutate the caller's change", func() {
				So(c.Points[0].Amount, ShouldEqual, 1)
			})
		})

		Convey("When the commit hook runs", func() {
			c := change("s", 1)
			d.Hook(ctx, &c)

			Convey("Then the change is marked delivered with observer errors attached", func() {
				So(c.Dispatch, ShouldEqual, model.DispatchDelivered)
				So(c.ObserverErrors, ShouldResemble, []model.ObserverFailure{
					{Observer: "observer-1", Message: "observer panicked: kaboom"},
					{Observer: "third", Message: "down"},
				})
			})
		})

		Convey("When the hook sees an empty change", func() {
			c := model.CommittedChange{SubjectID: "s"}
			d.Hook(ctx, &c)

			Convey("Then no observer is called", func() {
				So(calls, ShouldBeEmpty)
				So(c.Dispatch, ShouldEqual, model.DispatchNone)
			})
		})

		Convey("Then registration order is reported and nil is refused", func() {
			So(d.Observers(), ShouldResemble, []string{"first", "observer-1", "third"})
			So(errors.Is(d.Register(nil), dispatch.ErrNilObserver), ShouldBeTrue)
			So(d.Mode(), ShouldEqual, "sync")
		})
	})
}

func TestAsyncLanes(t *testing.T) {
	ctx := context.Background()

	Convey("Given an asynchronous dispatcher with four lanes", t, func() {
		d := dispatch.New(dispatch.WithAsync(4, 8))
		var (
			mu   sync.Mutex
			seen = make(map[string][]uint64)
		)
		So(d.Register(dispatch.ObserverFunc(func(_ context.Context, c model.CommittedChange) error {
			mu.Lock()
			seen[c.SubjectID] = append(seen[c.SubjectID], c.Version)
			mu.Unlock()
			if c.Version%7 == 0 {
				return errors.New("flaky")
			}
			return nil
		})), ShouldBeNil)
		d.Start(ctx)

		Convey("When many subjects commit concurrently", func() {
			subjects := []string{"a", "b", "c", "d", "e", "f"}
			var wg sync.WaitGroup
			for _, s := range subjects {
				wg.Add(1)
				go func(s string) {
					defer wg.Done()
					for v := uint64(1); v <= 40; v++ {
						c := change(s, v)
						d.Hook(ctx, &c)
						if c.Dispatch != model.DispatchQueued {
							panic("change was not queued")
						}
					}
				}(s)
			}
			wg.Wait()
			err := d.Close(ctx)

			Convey("Then each subject's changes arrive in commit order", func() {
				So(err, ShouldBeNil)
				So(d.Mode(), ShouldEqual, "async")
				for _, s := range subjects {
					versions := seen[s]
					So(len(versions), ShouldEqual, 40)
					for i, v := range versions {
						So(v, ShouldEqual, uint64(i+1))
					}
				}
			})

			Convey("And changes after close are marked failed", func() {
				c := change("a", 41)
				d.Hook(ctx, &c)
				So(c.Dispatch, ShouldEqual, model.DispatchFailed)
			})
		})
	})

	Convey("Given a lane that is full", t, func() {
		block := make(chan struct{})
		d := dispatch.New(dispatch.WithAsync(1, 1), dispatch.WithEnqueueTimeout(20*time.Millisecond))
		So(d.Register(dispatch.ObserverFunc(func(context.Context, model.CommittedChange) error {
			<-block
			return nil
		})), ShouldBeNil)
		d.Start(ctx)

		Convey("When the worker cannot keep up", func() {
			statuses := make([]model.DispatchStatus, 0, 4)
			for v := uint64(1); v <= 4; v++ {
				c := change("s", v)
				d.Hook(ctx, &c)
				statuses = append(statuses, c.Dispatch)
			}
			close(block)
			So(d.Close(ctx), ShouldBeNil)

			Convey("Then the commit gives up after the enqueue timeout", func() {
				So(statuses[0], ShouldEqual, model.DispatchQueued)
				So(statuses[3], ShouldEqual, model.DispatchFailed)
			})
		})
	})
}
