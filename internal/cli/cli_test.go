package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/kudos/internal/domain/types"
)

const rulesDoc = `
point_rules:
  - name: login
    events: [login]
    score: 1
  - name: comment
    events: [comment.created]
    score: 5
badge_rules:
  - name: veteran
    events: [login]
    tiers:
      - threshold: 3
ranks:
  - name: regular
    min_points: 5
`

const badRulesDoc = `
point_rules:
  - name: login
    events: [login]
    score: 1
  - name: login
    events: [logout]
    score: 1
ranks:
  - name: b
    min_points: 10
  - name: a
    min_points: 5
`

const eventsDoc = `# replay
{"event_id":"1","name":"login","subject_id":"alice"}
{"event_id":"2","name":"login","subject_id":"alice"}
{"event_id":"2","name":"login","subject_id":"alice"}
{"event_id":"3","name":"login","subject_id":"alice"}

{"event_id":"4","name":"comment.created","subject_id":"bob"}
{"event_id":"5","name":"logout","subject_id":"bob"}
{"event_id":"6","name":"login"}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(args ...string) (string, error) {
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidate(t *testing.T) {
	Convey("Given a valid rules file", t, func() {
		path := writeFile(t, "rules.yaml", rulesDoc)

		Convey("When it is validated as text", func() {
			out, err := execute("validate", path)

			Convey("Then it reports the counts", func() {
				So(err, ShouldBeNil)
				So(out, ShouldContainSubstring, "ok: 3 rules, 1 ranks")
			})
		})

		Convey("When it is validated as JSON", func() {
			out, err := execute("--format", "json", "validate", path)

			Convey("Then the rules are listed", func() {
				So(err, ShouldBeNil)
				var res ValidationResult
				So(json.Unmarshal([]byte(out), &res), ShouldBeNil)
				So(res.Valid, ShouldBeTrue)
				So(len(res.Rules), ShouldEqual, 3)
			})
		})
	})

	Convey("Given a rules file with a duplicate rule and unordered ranks", t, func() {
		path := writeFile(t, "bad.yaml", badRulesDoc)
		out, err := execute("validate", path)

		Convey("Then every problem is reported", func() {
			So(errors.Is(err, ErrInvalidRules), ShouldBeTrue)
			So(strings.Count(out, "error:"), ShouldBeGreaterThanOrEqualTo, 2)
		})
	})

	Convey("Given an unknown output format", t, func() {
		_, err := execute("--format", "xml", "validate", "whatever.yaml")

		Convey("Then the command is refused", func() {
			So(errors.Is(err, ErrInvalidFormat), ShouldBeTrue)
		})
	})
}

func TestSimulate(t *testing.T) {
	Convey("Given rules and an event stream", t, func() {
		rulesPath := writeFile(t, "rules.yaml", rulesDoc)
		eventsPath := writeFile(t, "events.jsonl", eventsDoc)

		Convey("When it is simulated", func() {
			out, err := execute("--format", "json", "simulate", rulesPath, eventsPath)

			Convey("Then grants, duplicates and rejections are accounted for", func() {
				So(err, ShouldBeNil)
				var res SimulationResult
				So(json.Unmarshal([]byte(out), &res), ShouldBeNil)
				So(res.Events, ShouldEqual, 7)
				So(res.Duplicates, ShouldEqual, 1)
				So(res.Rejected, ShouldEqual, 1)
				So(len(res.Changes), ShouldEqual, 4)
				So(len(res.Changes[2].Badges), ShouldEqual, 1)
				So(res.Changes[2].Badges[0].Name, ShouldEqual, "veteran")
				So(res.Changes[3].Rank, ShouldNotBeNil)
				So(res.Changes[3].Rank.To, ShouldEqual, "regular")

				So(len(res.Leaderboard), ShouldEqual, 2)
				So(res.Leaderboard[0].SubjectID, ShouldEqual, "bob")
				So(res.Leaderboard[1].Points, ShouldEqual, 3)
			})
		})

		Convey("When it is simulated as text", func() {
			out, err := execute("simulate", rulesPath, eventsPath)

			Convey("Then each change is one line", func() {
				So(err, ShouldBeNil)
				So(out, ShouldContainSubstring, "badges: veteran/1")
				So(out, ShouldContainSubstring, "7 events, 4 changes, 1 duplicates, 1 rejected")
			})
		})
	})

	Convey("Given a malformed event line", t, func() {
		rulesPath := writeFile(t, "rules.yaml", rulesDoc)
		eventsPath := writeFile(t, "events.jsonl", "{not json}\n")
		_, err := execute("simulate", rulesPath, eventsPath)

		Convey("Then the line is reported", func() {
			So(errors.Is(err, ErrBadEventLine), ShouldBeTrue)
		})
	})
}

func TestGenerate(t *testing.T) {
	Convey("Given a rules file to draw event names from", t, func() {
		rulesPath := writeFile(t, "rules.yaml", rulesDoc)

		Convey("When events are generated", func() {
			out, err := execute("generate", "--rules", rulesPath, "--events", "25", "--subjects", "3")

			Convey("Then every event is valid and names come from the rules", func() {
				So(err, ShouldBeNil)
				events, decErr := decodeEvents(strings.NewReader(out))
				So(decErr, ShouldBeNil)
				So(len(events), ShouldEqual, 25)
				ids := make(map[string]bool)
				subjects := make(map[string]bool)
				for _, e := range events {
					So(e.Validate(), ShouldBeNil)
					So([]string{"comment.created", "login"}, ShouldContain, e.Name)
					ids[e.EventID] = true
					subjects[e.SubjectID] = true
				}
				So(len(ids), ShouldEqual, 25)
				So(len(subjects), ShouldBeLessThanOrEqualTo, 3)
			})
		})
	})

	Convey("Given no event names", t, func() {
		_, err := execute("generate")

		Convey("Then nothing is generated", func() {
			So(errors.Is(err, ErrNoEventNames), ShouldBeTrue)
		})
	})
}

func TestSubmit(t *testing.T) {
	Convey("Given a service that processes, deduplicates and fails", t, func() {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			var req types.EventRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			w.Header().Set("Content-Type", "application/json")
			switch req.EventID {
			case "dup":
				_ = json.NewEncoder(w).Encode(types.EventResponse{Status: types.StatusDuplicate, Duplicate: true})
			case "skip":
				w.WriteHeader(http.StatusAccepted)
				_ = json.NewEncoder(w).Encode(types.EventResponse{Status: types.StatusSkipped})
			case "boom":
				w.WriteHeader(http.StatusInternalServerError)
			default:
				_ = json.NewEncoder(w).Encode(types.EventResponse{Status: types.StatusProcessed})
			}
		}))
		defer srv.Close()

		events := []types.EventRequest{
			{EventID: "a", Name: "login", SubjectID: "s"},
			{EventID: "b", Name: "login", SubjectID: "s"},
			{EventID: "dup", Name: "login", SubjectID: "s"},
			{EventID: "skip", Name: "login", SubjectID: "s"},
			{EventID: "boom", Name: "login", SubjectID: "s"},
		}

		Convey("When the events are submitted", func() {
			stats, err := submitEvents(context.Background(), SubmitOptions{BaseURL: srv.URL + "/", Workers: 3, Timeout: defaultSubmitTimeout}, events)

			Convey("Then each outcome is counted", func() {
				So(err, ShouldBeNil)
				So(calls.Load(), ShouldEqual, 5)
				So(stats.Submitted, ShouldEqual, 5)
				So(stats.Processed, ShouldEqual, 2)
				So(stats.Duplicate, ShouldEqual, 1)
				So(stats.Skipped, ShouldEqual, 1)
				So(stats.Failed, ShouldEqual, 1)
			})
		})

		Convey("When the command runs against the file", func() {
			var buf bytes.Buffer
			So(writeEvents(&buf, events), ShouldBeNil)
			path := writeFile(t, "events.jsonl", buf.String())
			out, err := execute("submit", "--url", srv.URL, "--workers", "2", path)

			Convey("Then the failure is surfaced", func() {
				So(errors.Is(err, ErrSubmitFailed), ShouldBeTrue)
				So(out, ShouldContainSubstring, "processed 2, duplicate 1, skipped 1, failed 1")
			})
		})
	})
}
