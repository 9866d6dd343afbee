package bot_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fwerpers/timeprof/internal/timeprof/bot"
	"github.com/fwerpers/timeprof/internal/timeprof/sample"
	"github.com/fwerpers/timeprof/internal/timeprof/user"
)

type sentText struct {
	room, text string
}

type fakeGateway struct {
	mu      sync.Mutex
	texts   []sentText
	left    []string
	uploads []string
	files   []sentText // room, filename
}

func (g *fakeGateway) SendText(ctx context.Context, roomID, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.texts = append(g.texts, sentText{roomID, text})
	return nil
}

func (g *fakeGateway) LeaveRoom(ctx context.Context, roomID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.left = append(g.left, roomID)
	return nil
}

func (g *fakeGateway) UploadFile(ctx context.Context, filename string, data []byte) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.uploads = append(g.uploads, filename)
	return "mxc://fake/" + filename, nil
}

func (g *fakeGateway) SendFile(ctx context.Context, roomID, filename, uri string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.files = append(g.files, sentText{roomID, filename})
	return nil
}

func (g *fakeGateway) lastText(t *testing.T) sentText {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.texts) == 0 {
		t.Fatal("no messages sent")
	}
	return g.texts[len(g.texts)-1]
}

type timerEntry struct {
	at time.Time
	fn func()
}

type fakeTimers struct {
	mu       sync.Mutex
	armed    map[string]timerEntry
	canceled []string
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{armed: make(map[string]timerEntry)}
}

func (ft *fakeTimers) ScheduleAt(userID string, at time.Time, fn func()) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.armed[userID] = timerEntry{at, fn}
}

func (ft *fakeTimers) Cancel(userID string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	delete(ft.armed, userID)
	ft.canceled = append(ft.canceled, userID)
}

func (ft *fakeTimers) isArmed(userID string) bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	_, ok := ft.armed[userID]
	return ok
}

func (ft *fakeTimers) entry(t *testing.T, userID string) timerEntry {
	t.Helper()
	ft.mu.Lock()
	defer ft.mu.Unlock()
	e, ok := ft.armed[userID]
	if !ok {
		t.Fatalf("no timer armed for %s", userID)
	}
	return e
}

// fire invokes the armed callback the way the scheduler would: the entry is
// consumed first so a reschedule inside the callback is observable.
func (ft *fakeTimers) fire(t *testing.T, userID string) {
	e := ft.entry(t, userID)
	ft.mu.Lock()
	delete(ft.armed, userID)
	ft.mu.Unlock()
	e.fn()
}

type fixture struct {
	handler *bot.Handler
	users   *user.Store
	samples *sample.Log
	gateway *fakeGateway
	timers  *fakeTimers
	now     time.Time
}

const (
	testUser  = "@alice:example.org"
	testRoom  = "!room:example.org"
	otherRoom = "!other:example.org"
	testRate  = 30.0
)

// newFixture pins the clock and replaces the exponential draw with a fixed
// one interval of rate minutes, so due times are exact.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	users, err := user.Open(filepath.Join(dir, "users.json"))
	if err != nil {
		t.Fatalf("open user store: %v", err)
	}
	samples, err := sample.NewLog(filepath.Join(dir, "samples"))
	if err != nil {
		t.Fatalf("open sample log: %v", err)
	}

	f := &fixture{
		users:   users,
		samples: samples,
		gateway: &fakeGateway{},
		timers:  newFakeTimers(),
		now:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.handler = bot.NewHandler(bot.Config{
		Users:       users,
		Samples:     samples,
		Timers:      f.timers,
		Gateway:     f.gateway,
		DefaultRate: testRate,
		Now:         func() time.Time { return f.now },
		NextSample: func(ref time.Time, rate float64) time.Time {
			return ref.Add(time.Duration(rate) * time.Minute)
		},
	})
	return f
}

func (f *fixture) join(t *testing.T) {
	t.Helper()
	f.handler.HandleJoined(context.Background(), testUser, testRoom)
}

func (f *fixture) record(t *testing.T) user.Record {
	t.Helper()
	rec, err := f.users.Get(testUser)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	return rec
}

func TestJoinRegistersAndSchedules(t *testing.T) {
	f := newFixture(t)
	f.join(t)

	rec := f.record(t)
	if rec.BoundRoom != testRoom {
		t.Errorf("bound room = %q, want %q", rec.BoundRoom, testRoom)
	}
	if rec.Rate != testRate {
		t.Errorf("rate = %v, want %v", rec.Rate, testRate)
	}
	if rec.State != user.Idle {
		t.Errorf("state = %v, want idle", rec.State)
	}
	wantDue := f.now.Add(testRate * time.Minute)
	if !rec.NextSampleTime.Equal(wantDue) {
		t.Errorf("next sample = %v, want %v", rec.NextSampleTime, wantDue)
	}

	msg := f.gateway.lastText(t)
	if msg.room != testRoom || !strings.Contains(msg.text, "Hello from TimeProf") {
		t.Errorf("unexpected welcome: %+v", msg)
	}
	if e := f.timers.entry(t, testUser); !e.at.Equal(wantDue) {
		t.Errorf("timer armed at %v, want %v", e.at, wantDue)
	}
}

func TestSecondJoinInSameRoomIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.join(t)
	before := len(f.gateway.texts)

	f.join(t)
	if len(f.gateway.texts) != before {
		t.Errorf("second join sent %d messages", len(f.gateway.texts)-before)
	}
}

func TestTimerFirePromptsAndAwaitsAnswer(t *testing.T) {
	f := newFixture(t)
	f.join(t)
	due := f.record(t).NextSampleTime
	f.now = due

	f.timers.fire(t, testUser)

	rec := f.record(t)
	if rec.State != user.AwaitingAnswer {
		t.Fatalf("state = %v, want awaiting answer", rec.State)
	}
	if !rec.NextSampleTime.Equal(due) {
		t.Errorf("next sample moved to %v during prompt, want %v", rec.NextSampleTime, due)
	}
	if msg := f.gateway.lastText(t); msg.text != "What's up?" {
		t.Errorf("prompt = %q", msg.text)
	}
	// A follow-up fire is armed in case the prompt goes unanswered.
	if e := f.timers.entry(t, testUser); !e.at.Equal(due.Add(testRate * time.Minute)) {
		t.Errorf("follow-up armed at %v", e.at)
	}
}

func TestAnswerRecordsSampleAtDueTime(t *testing.T) {
	f := newFixture(t)
	f.join(t)
	due := f.record(t).NextSampleTime
	f.now = due
	f.timers.fire(t, testUser)

	// The user answers twelve minutes late; the sample keeps the due
	// timestamp and the next draw is relative to it.
	f.now = due.Add(12 * time.Minute)
	f.handler.HandleMessage(context.Background(), testUser, testRoom, "reading a book")

	recs, err := f.samples.All(testUser)
	if err != nil {
		t.Fatalf("read samples: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d samples, want 1", len(recs))
	}
	if !recs[0].Timestamp.Equal(due) {
		t.Errorf("sample timestamp = %v, want %v", recs[0].Timestamp, due)
	}
	if recs[0].Label != "reading a book" {
		t.Errorf("sample label = %q", recs[0].Label)
	}
	if recs[0].Rate != testRate {
		t.Errorf("sample rate = %v", recs[0].Rate)
	}

	rec := f.record(t)
	if rec.State != user.Idle {
		t.Errorf("state = %v, want idle", rec.State)
	}
	if want := due.Add(testRate * time.Minute); !rec.NextSampleTime.Equal(want) {
		t.Errorf("next sample = %v, want %v", rec.NextSampleTime, want)
	}
	if msg := f.gateway.lastText(t); msg.text != "Cool, I'll remember that >:)" {
		t.Errorf("ack = %q", msg.text)
	}
}

func TestBadActivityPhraseIsRejected(t *testing.T) {
	f := newFixture(t)
	f.join(t)
	f.now = f.record(t).NextSampleTime
	f.timers.fire(t, testUser)

	for _, msg := range []string{"Reading", "coffee!", "a 2nd thing", ""} {
		f.handler.HandleMessage(context.Background(), testUser, testRoom, msg)
		rec := f.record(t)
		if rec.State != user.AwaitingAnswer {
			t.Errorf("%q: state = %v, want still awaiting answer", msg, rec.State)
		}
	}
	if got := f.gateway.lastText(t).text; !strings.HasPrefix(got, "Expected lowercase words") {
		t.Errorf("rejection = %q", got)
	}
	if recs, _ := f.samples.All(testUser); len(recs) != 0 {
		t.Errorf("rejected answers recorded %d samples", len(recs))
	}
}

func TestUnansweredPromptBecomesPlaceholder(t *testing.T) {
	f := newFixture(t)
	f.join(t)
	due1 := f.record(t).NextSampleTime
	f.now = due1
	f.timers.fire(t, testUser)

	// The follow-up fires with no answer in between.
	due2 := due1.Add(testRate * time.Minute)
	f.now = due2
	f.timers.fire(t, testUser)

	recs, err := f.samples.All(testUser)
	if err != nil {
		t.Fatalf("read samples: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d samples, want 1", len(recs))
	}
	if recs[0].Label != sample.PlaceholderLabel {
		t.Errorf("label = %q, want placeholder", recs[0].Label)
	}
	if !recs[0].Timestamp.Equal(due1) {
		t.Errorf("placeholder timestamp = %v, want %v", recs[0].Timestamp, due1)
	}

	rec := f.record(t)
	if rec.State != user.AwaitingAnswer {
		t.Errorf("state = %v, want awaiting answer", rec.State)
	}
	if !rec.NextSampleTime.Equal(due2) {
		t.Errorf("outstanding prompt due = %v, want %v", rec.NextSampleTime, due2)
	}
}

func TestStaleTimerFireIsDropped(t *testing.T) {
	f := newFixture(t)
	f.join(t)
	due := f.record(t).NextSampleTime
	f.now = due
	f.timers.fire(t, testUser)
	f.handler.HandleMessage(context.Background(), testUser, testRoom, "cooking")

	before := f.record(t)
	// Replay the shadow fire that the answer superseded.
	f.handler.HandleTimer(testUser, due.Add(testRate*time.Minute).Add(-time.Minute))

	after := f.record(t)
	if after.State != before.State || !after.NextSampleTime.Equal(before.NextSampleTime) {
		t.Errorf("stale fire mutated record: %+v -> %+v", before, after)
	}
}

func TestRoomSwitchAccepted(t *testing.T) {
	f := newFixture(t)
	f.join(t)
	f.handler.HandleJoined(context.Background(), testUser, otherRoom)

	rec := f.record(t)
	if rec.State != user.AwaitingRoomSwitch || rec.PendingRoom != otherRoom {
		t.Fatalf("after second invite: %+v", rec)
	}
	if msg := f.gateway.lastText(t); msg.room != otherRoom || !strings.Contains(msg.text, "already registered") {
		t.Errorf("proposal = %+v", msg)
	}

	f.now = f.now.Add(5 * time.Minute)
	f.handler.HandleMessage(context.Background(), testUser, otherRoom, "yes")

	rec = f.record(t)
	if rec.BoundRoom != otherRoom || rec.PendingRoom != "" || rec.State != user.Idle {
		t.Fatalf("after yes: %+v", rec)
	}
	if want := f.now.Add(testRate * time.Minute); !rec.NextSampleTime.Equal(want) {
		t.Errorf("next sample = %v, want %v", rec.NextSampleTime, want)
	}
	if len(f.gateway.left) != 1 || f.gateway.left[0] != testRoom {
		t.Errorf("left rooms = %v, want old room only", f.gateway.left)
	}
	if msg := f.gateway.lastText(t); msg.room != otherRoom || msg.text != "Ok, let's continue here" {
		t.Errorf("confirmation = %+v", msg)
	}
	if e := f.timers.entry(t, testUser); !e.at.Equal(rec.NextSampleTime) {
		t.Errorf("timer armed at %v, want %v", e.at, rec.NextSampleTime)
	}
}

func TestRoomSwitchAcceptedRecordsOutstandingPrompt(t *testing.T) {
	f := newFixture(t)
	f.join(t)
	due := f.record(t).NextSampleTime
	f.now = due
	f.timers.fire(t, testUser)

	// An invite arrives while the prompt is unanswered; accepting the
	// switch records the dead prompt as missed.
	f.handler.HandleJoined(context.Background(), testUser, otherRoom)
	f.now = due.Add(5 * time.Minute)
	f.handler.HandleMessage(context.Background(), testUser, otherRoom, "yes")

	recs, err := f.samples.All(testUser)
	if err != nil {
		t.Fatalf("read samples: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d samples, want 1 placeholder", len(recs))
	}
	if recs[0].Label != sample.PlaceholderLabel || !recs[0].Timestamp.Equal(due) {
		t.Errorf("placeholder = %+v, want %q at %v", recs[0], sample.PlaceholderLabel, due)
	}

	rec := f.record(t)
	if rec.BoundRoom != otherRoom || rec.State != user.Idle {
		t.Fatalf("after yes: %+v", rec)
	}
	if want := f.now.Add(testRate * time.Minute); !rec.NextSampleTime.Equal(want) {
		t.Errorf("next sample = %v, want %v", rec.NextSampleTime, want)
	}
}

func TestRoomSwitchDeclined(t *testing.T) {
	f := newFixture(t)
	f.join(t)
	before := f.record(t)
	f.handler.HandleJoined(context.Background(), testUser, otherRoom)

	f.handler.HandleMessage(context.Background(), testUser, otherRoom, "no")

	rec := f.record(t)
	if rec.BoundRoom != testRoom || rec.PendingRoom != "" || rec.State != user.Idle {
		t.Fatalf("after no: %+v", rec)
	}
	if !rec.NextSampleTime.Equal(before.NextSampleTime) {
		t.Errorf("decline moved next sample time")
	}
	if len(f.gateway.left) != 1 || f.gateway.left[0] != otherRoom {
		t.Errorf("left rooms = %v, want new room only", f.gateway.left)
	}
	if msg := f.gateway.lastText(t); msg.room != otherRoom || msg.text != "Ok, I'm out" {
		t.Errorf("farewell = %+v", msg)
	}
}

func TestRoomSwitchRequiresExactConfirmation(t *testing.T) {
	f := newFixture(t)
	f.join(t)
	f.handler.HandleJoined(context.Background(), testUser, otherRoom)

	for _, msg := range []string{"YES", "yep", "sure", "y"} {
		f.handler.HandleMessage(context.Background(), testUser, otherRoom, msg)
		if rec := f.record(t); rec.State != user.AwaitingRoomSwitch {
			t.Errorf("%q resolved the switch: %+v", msg, rec)
		}
	}
	if got := f.gateway.lastText(t).text; !strings.HasPrefix(got, "Expected yes or no") {
		t.Errorf("rejection = %q", got)
	}
}

func TestLeaveBoundRoomUnregisters(t *testing.T) {
	f := newFixture(t)
	f.join(t)
	f.samples.Append(testUser, sample.Record{Timestamp: f.now, Label: "cooking", Rate: testRate})

	f.handler.HandleLeave(context.Background(), testUser, testRoom)

	if _, err := f.users.Get(testUser); err == nil {
		t.Error("user still registered after leaving bound room")
	}
	if len(f.timers.canceled) != 1 || f.timers.canceled[0] != testUser {
		t.Errorf("canceled = %v", f.timers.canceled)
	}
	if len(f.gateway.left) != 1 || f.gateway.left[0] != testRoom {
		t.Errorf("left rooms = %v", f.gateway.left)
	}
	// Samples survive unregistration.
	if recs, _ := f.samples.All(testUser); len(recs) != 1 {
		t.Errorf("samples after unregistration = %d, want 1", len(recs))
	}
}

func TestLeavePendingRoomCancelsSwitch(t *testing.T) {
	f := newFixture(t)
	f.join(t)
	f.handler.HandleJoined(context.Background(), testUser, otherRoom)

	f.handler.HandleLeave(context.Background(), testUser, otherRoom)

	rec := f.record(t)
	if rec.BoundRoom != testRoom || rec.PendingRoom != "" || rec.State != user.Idle {
		t.Fatalf("after pending leave: %+v", rec)
	}
	if len(f.gateway.left) != 1 || f.gateway.left[0] != otherRoom {
		t.Errorf("left rooms = %v", f.gateway.left)
	}
}

func TestInviteToAnotherUsersRoomIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.join(t)

	f.handler.HandleJoined(context.Background(), "@bob:example.org", testRoom)

	if _, err := f.users.Get("@bob:example.org"); err == nil {
		t.Error("second user registered in an already-bound room")
	}
	if rec := f.record(t); rec.BoundRoom != testRoom || rec.State != user.Idle {
		t.Errorf("original binding disturbed: %+v", rec)
	}
}

func TestMessagesFromUnknownSendersAreDropped(t *testing.T) {
	f := newFixture(t)
	f.handler.HandleMessage(context.Background(), "@stranger:example.org", testRoom, "help")
	if len(f.gateway.texts) != 0 {
		t.Errorf("replied to unknown sender: %+v", f.gateway.texts)
	}
}

func TestMessagesInUnrelatedRoomsAreDropped(t *testing.T) {
	f := newFixture(t)
	f.join(t)
	before := len(f.gateway.texts)
	f.handler.HandleMessage(context.Background(), testUser, "!elsewhere:example.org", "help")
	if len(f.gateway.texts) != before {
		t.Errorf("replied in unrelated room")
	}
}
