package processor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"match-radar/internal/events"
	"match-radar/internal/model"
)

func TestExtractorParsesEvents(t *testing.T) {
	t.Parallel()

	llm := &stubLLM{responses: []stubReply{{text: `{"events":[
		{"minute":12,"second":30,"event_type":"goal","description":"Gol do Flamengo!","team":"home","isOwnGoal":false},
		{"minute":70,"second":5,"event_type":"yellow card","description":"Cartão amarelo","team":"away","isOwnGoal":false}
	],"homeScore":1,"awayScore":0}`}}}
	ex := newTestExtractor(llm)

	res, err := ex.Extract(context.Background(), "transcript", firstHalfContext())
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	if res.Attempts != 1 || llm.calls != 1 {
		t.Fatalf("expected single attempt, got attempts=%d calls=%d", res.Attempts, llm.calls)
	}
	if len(res.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(res.Events))
	}
	card := res.Events[1]
	if card.EventType != model.EventYellowCard {
		t.Fatalf("expected yellow_card, got %s", card.EventType)
	}
	if card.Minute != 45 {
		t.Fatalf("expected minute clamped to 45, got %d", card.Minute)
	}
	if card.Meta().TeamName != "Palmeiras" {
		t.Fatalf("expected away team name, got %q", card.Meta().TeamName)
	}
	if res.Reported != (model.Score{Home: 1, Away: 0}) {
		t.Fatalf("unexpected reported score %+v", res.Reported)
	}
	if !strings.Contains(llm.last.User, "Flamengo") || !strings.Contains(llm.last.User, "transcript") {
		t.Fatalf("expected prompt to include teams and transcript, got %q", llm.last.User)
	}
	if llm.last.Schema == nil {
		t.Fatalf("expected structured schema on request")
	}
}

func TestExtractorOwnGoalCreditsOpponent(t *testing.T) {
	t.Parallel()

	llm := &stubLLM{responses: []stubReply{{text: `{"events":[
		{"minute":20,"second":0,"event_type":"goal","description":"Gol do Flamengo","team":"home","isOwnGoal":false},
		{"minute":38,"second":10,"event_type":"own_goal","description":"Gol contra do zagueiro","team":"home"}
	],"homeScore":1,"awayScore":1}`}}}
	ex := newTestExtractor(llm)

	res, err := ex.Extract(context.Background(), "transcript", firstHalfContext())
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	if !res.Events[1].Meta().IsOwnGoal {
		t.Fatalf("expected own goal flag on second event")
	}
	score := events.ComputeScore(res.Events, "Flamengo", "Palmeiras")
	if score != (model.Score{Home: 1, Away: 1}) {
		t.Fatalf("expected 1-1, got %+v", score)
	}
}

func TestExtractorDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	llm := &stubLLM{responses: []stubReply{{text: "```json\n" + `{"events":[
		{"minute":"10","second":0,"event_type":"corner","description":"Escanteio","team":"home"},
		{"minute":11,"event_type":"dance","description":"???","team":"home"},
		{"minute":12,"event_type":"foul","description":"Falta","team":"referee"},
		{"event_type":"shot","description":"Chute","team":"away"},
		{"minute":"45+2","event_type":"shot","description":"Chute","team":"away"}
	],"homeScore":0,"awayScore":0}` + "\n```"}}}
	ex := newTestExtractor(llm)

	res, err := ex.Extract(context.Background(), "transcript", firstHalfContext())
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	if len(res.Events) != 2 || res.Dropped != 3 {
		t.Fatalf("expected 2 kept and 3 dropped, got %d kept %d dropped", len(res.Events), res.Dropped)
	}
	if res.Events[1].Minute != 45 {
		t.Fatalf("expected stoppage time clamped to 45, got %d", res.Events[1].Minute)
	}
}

func TestExtractorRateLimitedExhausts(t *testing.T) {
	t.Parallel()

	rate := &StatusError{Code: 429, Body: "too many requests"}
	llm := &stubLLM{responses: []stubReply{{err: rate}, {err: rate}, {err: rate}}}
	var slept []time.Duration
	ex := New(Config{}, llm, WithSleeper(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}))

	_, err := ex.Extract(context.Background(), "transcript", firstHalfContext())
	var exhausted *ExtractionExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExtractionExhaustedError, got %v", err)
	}
	if exhausted.Attempts != 3 || llm.calls != 3 {
		t.Fatalf("expected 3 attempts, got attempts=%d calls=%d", exhausted.Attempts, llm.calls)
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected error to mention rate limiting, got %q", err.Error())
	}
	if len(slept) != 2 || slept[0] != 5*time.Second || slept[1] != 5*time.Second {
		t.Fatalf("expected two 5s back-offs, got %v", slept)
	}
}

func TestExtractorRecoversFromMalformedOutput(t *testing.T) {
	t.Parallel()

	llm := &stubLLM{responses: []stubReply{
		{text: "Sorry, here is the analysis: events were many"},
		{text: `{"events": [`},
		{text: `{"events":[{"minute":5,"second":0,"event_type":"shot","description":"Chute","team":"away"}],"homeScore":0,"awayScore":0}`},
	}}
	var slept []time.Duration
	ex := New(Config{}, llm, WithSleeper(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}))

	res, err := ex.Extract(context.Background(), "transcript", firstHalfContext())
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	if res.Attempts != 3 || llm.calls != 3 {
		t.Fatalf("expected success on 3rd attempt, got attempts=%d calls=%d", res.Attempts, llm.calls)
	}
	if len(slept) != 2 || slept[0] != 2*time.Second {
		t.Fatalf("expected 2s back-offs, got %v", slept)
	}
}

func TestExtractorAlwaysMalformedStopsAtThree(t *testing.T) {
	t.Parallel()

	llm := &stubLLM{repeat: stubReply{text: "not json at all"}}
	ex := newTestExtractor(llm)

	_, err := ex.Extract(context.Background(), "transcript", firstHalfContext())
	var malformed *MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected wrapped MalformedResponseError, got %v", err)
	}
	if llm.calls != DefaultMaxAttempts {
		t.Fatalf("expected exactly %d calls, got %d", DefaultMaxAttempts, llm.calls)
	}
}

func TestExtractorMissingEventsRetriesWithoutBackoff(t *testing.T) {
	t.Parallel()

	llm := &stubLLM{responses: []stubReply{
		{text: `{"homeScore":1,"awayScore":0}`},
		{text: `{"events":[],"homeScore":0,"awayScore":0}`},
	}}
	var slept []time.Duration
	ex := New(Config{}, llm, WithSleeper(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}))

	res, err := ex.Extract(context.Background(), "transcript", firstHalfContext())
	if err != nil {
		t.Fatalf("Extract error: %v", err)
	}
	if res.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", res.Attempts)
	}
	if len(slept) != 1 || slept[0] != 0 {
		t.Fatalf("expected zero back-off after missing events, got %v", slept)
	}
}

func TestExtractorQuotaExhaustedAbortsImmediately(t *testing.T) {
	t.Parallel()

	llm := &stubLLM{repeat: stubReply{err: &StatusError{Code: 402, Body: "insufficient balance"}}}
	ex := newTestExtractor(llm)

	_, err := ex.Extract(context.Background(), "transcript", firstHalfContext())
	var fatal *FatalServiceError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalServiceError, got %v", err)
	}
	if llm.calls != 1 {
		t.Fatalf("expected a single call, got %d", llm.calls)
	}
	var exhausted *ExtractionExhaustedError
	if errors.As(err, &exhausted) {
		t.Fatalf("fatal error must not be reported as exhaustion")
	}
}

func TestExtractorMissingCredentialsIsFatal(t *testing.T) {
	t.Parallel()

	llm := &stubLLM{repeat: stubReply{err: ErrMissingCredentials}}
	ex := newTestExtractor(llm)

	_, err := ex.Extract(context.Background(), "transcript", firstHalfContext())
	if !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
	if llm.calls != 1 {
		t.Fatalf("expected a single call, got %d", llm.calls)
	}
}

func TestExtractorStopsWhenContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	llm := &stubLLM{repeat: stubReply{err: &StatusError{Code: 503}}}
	ex := New(Config{}, llm, WithSleeper(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := ex.Extract(ctx, "transcript", firstHalfContext())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if llm.calls != 1 {
		t.Fatalf("expected no further calls after cancel, got %d", llm.calls)
	}
}

func TestExtractorRejectsEmptyTranscript(t *testing.T) {
	t.Parallel()

	llm := &stubLLM{}
	ex := newTestExtractor(llm)
	if _, err := ex.Extract(context.Background(), "   ", firstHalfContext()); err == nil {
		t.Fatalf("expected error for blank transcript")
	}
	if llm.calls != 0 {
		t.Fatalf("expected no llm call, got %d", llm.calls)
	}
}

func TestDecodeJSONStripsFences(t *testing.T) {
	t.Parallel()

	var out struct {
		A int `json:"a"`
	}
	if err := DecodeJSON("Here you go:\n```json\n{\"a\": 3}\n```", &out); err != nil {
		t.Fatalf("DecodeJSON error: %v", err)
	}
	if out.A != 3 {
		t.Fatalf("expected 3, got %d", out.A)
	}
	if err := DecodeJSON("no object here", &out); err == nil {
		t.Fatalf("expected error for non-json content")
	}
}

// --- stubs ---

func newTestExtractor(llm LLMClient) *Extractor {
	return New(Config{}, llm, WithSleeper(func(context.Context, time.Duration) error { return nil }))
}

func firstHalfContext() events.Context {
	return events.Context{
		MatchID:  "match-1",
		JobID:    "job-1",
		HomeTeam: "Flamengo",
		AwayTeam: "Palmeiras",
		Half:     model.HalfFirst,
		Window:   events.DefaultWindow(model.HalfFirst),
	}
}

type stubReply struct {
	text string
	err  error
}

type stubLLM struct {
	responses []stubReply
	repeat    stubReply
	calls     int
	last      ChatRequest
}

func (s *stubLLM) Complete(_ context.Context, req ChatRequest) (string, error) {
	s.calls++
	s.last = req
	reply := s.repeat
	if s.calls <= len(s.responses) {
		reply = s.responses[s.calls-1]
	}
	return reply.text, reply.err
}
