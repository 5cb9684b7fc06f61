package moderation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"proposalbot/internal/directory"
	"proposalbot/internal/eventbus"
	"proposalbot/internal/transport"
	logx "proposalbot/pkg/logx"
)

type sentItem struct {
	to   transport.ChatTarget
	text string
	opt  *transport.SendOptions
}

type editItem struct {
	ref  transport.MessageRef
	text string
	opt  *transport.SendOptions
}

type fakeOut struct {
	mu      sync.Mutex
	nextID  int
	sends   []sentItem
	edits   []editItem
	answers []string
	failTo  map[int64]error
}

func (f *fakeOut) ref(chatID int64) transport.MessageRef {
	f.nextID++
	return transport.MessageRef{ChatID: chatID, MessageID: f.nextID}
}

func (f *fakeOut) Send(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failTo[to.ChatID]; err != nil {
		return transport.MessageRef{}, err
	}
	f.sends = append(f.sends, sentItem{to: to, text: text, opt: opt})
	return f.ref(to.ChatID), nil
}

func (f *fakeOut) Forward(_ context.Context, from transport.ChatTarget, messageID int, to transport.ChatTarget) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failTo[to.ChatID]; err != nil {
		return transport.MessageRef{}, err
	}
	return f.ref(to.ChatID), nil
}

func (f *fakeOut) Edit(_ context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editItem{ref: ref, text: text, opt: opt})
	return nil
}

func (f *fakeOut) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeOut) sentTo(chatID int64) []sentItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentItem
	for _, s := range f.sends {
		if s.to.ChatID == chatID {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeOut) lastAnswer() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.answers) == 0 {
		return "<none>"
	}
	return f.answers[len(f.answers)-1]
}

type fakeDir struct {
	mu       sync.Mutex
	tenant   directory.TenantConfig
	blocked  map[int64]bool
	settings map[string]string
	blockErr error
}

func newFakeDir(tenant directory.TenantConfig) *fakeDir {
	return &fakeDir{tenant: tenant, blocked: map[int64]bool{}, settings: map[string]string{}}
}

func (d *fakeDir) GetTenantConfig(context.Context, int64) (directory.TenantConfig, error) {
	return d.tenant, nil
}

func (d *fakeDir) ListActiveTenantIDs(context.Context) ([]int64, error) {
	return []int64{d.tenant.ID}, nil
}

func (d *fakeDir) IsBlocked(_ context.Context, _ int64, userID int64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blocked[userID], nil
}

func (d *fakeDir) Block(_ context.Context, _ int64, userID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.blockErr != nil {
		return d.blockErr
	}
	d.blocked[userID] = true
	return nil
}

func (d *fakeDir) Unblock(_ context.Context, _ int64, userID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.blocked, userID)
	return nil
}

func (d *fakeDir) GetSetting(_ context.Context, _ int64, key, def string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if v, ok := d.settings[key]; ok {
		return v, nil
	}
	return def, nil
}

type fakeSched struct {
	mu   sync.Mutex
	jobs []struct {
		at  time.Time
		run func(ctx context.Context) error
	}
}

func (s *fakeSched) Enabled() bool { return true }

func (s *fakeSched) Enqueue(_ int64, _ string, at time.Time, run func(ctx context.Context) error) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, struct {
		at  time.Time
		run func(ctx context.Context) error
	}{at, run})
	return uint64(len(s.jobs))
}

func testTenant(channels ...directory.Channel) directory.TenantConfig {
	return directory.TenantConfig{
		ID:               1,
		Name:             "testbot",
		Active:           true,
		WelcomeText:      "Welcome!",
		ConfirmationText: "Thanks, received.",
		Channels:         channels,
		Admins:           []int64{100, 200},
	}
}

func newTestPipeline(tenant directory.TenantConfig) (*Pipeline, *fakeOut, *fakeDir, *fakeSched, *time.Time) {
	out := &fakeOut{failTo: map[int64]error{}}
	dir := newFakeDir(tenant)
	sched := &fakeSched{}
	p := NewPipeline(tenant, dir, out, sched, eventbus.New(), Settings{}, logx.Nop())
	now := time.Now()
	p.now = func() time.Time { return now }
	return p, out, dir, sched, &now
}

func userMsg(id int, text string) *transport.Message {
	return &transport.Message{ID: id, ChatID: 10, FromID: 10, FromUsername: "alice", Text: text}
}

func submit(p *Pipeline, id int, text string) {
	p.HandleUpdate(context.Background(), transport.Update{
		Kind:    transport.UpdateMessage,
		Message: userMsg(id, text),
	})
}

func adminCallback(p *Pipeline, adminID int64, data string) {
	var ref transport.MessageRef
	for _, e := range p.corr.EntriesFor(10, 1) {
		if e.AdminID == adminID {
			ref = e.ControlRef
		}
	}
	p.HandleCallback(context.Background(), &transport.Callback{
		ID:        "cb",
		FromID:    adminID,
		ChatID:    adminID,
		MessageID: ref.MessageID,
		Data:      data,
	})
}

func TestSubmissionFanOut(t *testing.T) {
	t.Parallel()
	p, out, _, _, _ := newTestPipeline(testTenant(directory.Channel{ChatID: -100, Title: "Main"}))

	submit(p, 1, "hello world")

	senderMsgs := out.sentTo(10)
	if len(senderMsgs) != 2 || senderMsgs[0].text != "Welcome!" || senderMsgs[1].text != "Thanks, received." {
		t.Fatalf("sender messages = %+v", senderMsgs)
	}
	for _, admin := range []int64{100, 200} {
		panels := out.sentTo(admin)
		if len(panels) != 1 {
			t.Fatalf("admin %d: panel sends = %d, want 1", admin, len(panels))
		}
		if panels[0].opt == nil || panels[0].opt.ReplyMarkup == nil {
			t.Fatalf("admin %d: panel has no keyboard", admin)
		}
	}
	if got := len(p.corr.EntriesFor(10, 1)); got != 2 {
		t.Fatalf("correlation entries = %d, want 2", got)
	}

	// Welcome is once per runtime; a second submission only confirms.
	submit(p, 2, "another one")
	if got := out.sentTo(10); len(got) != 3 || got[2].text != "Thanks, received." {
		t.Fatalf("second submission sender messages = %+v", got)
	}
}

func TestApproveSingleChannelPublishes(t *testing.T) {
	t.Parallel()
	p, out, dir, _, _ := newTestPipeline(testTenant(directory.Channel{ChatID: -100, Title: "Main"}))
	dir.settings[directory.SettingPublicationFooter] = "— submitted anonymously"

	submit(p, 1, "hello world")
	adminCallback(p, 100, cbData(actApprove, 10, 1))

	posts := out.sentTo(-100)
	if len(posts) != 1 {
		t.Fatalf("channel posts = %d, want 1", len(posts))
	}
	if want := "hello world\n\n— submitted anonymously"; posts[0].text != want {
		t.Fatalf("post = %q, want %q", posts[0].text, want)
	}
	sender := out.sentTo(10)
	if sender[len(sender)-1].text != textSenderPublished {
		t.Fatalf("sender notice = %q", sender[len(sender)-1].text)
	}
	if p.subs.Len() != 0 {
		t.Fatal("submission should be evicted after publish")
	}

	// The other admin's late approve is a reported no-op.
	adminCallback(p, 200, cbData(actApprove, 10, 1))
	if out.lastAnswer() != textGone {
		t.Fatalf("late approve answer = %q, want %q", out.lastAnswer(), textGone)
	}
	if got := out.sentTo(-100); len(got) != 1 {
		t.Fatal("late approve must not publish again")
	}
}

func TestApproveWithChannelChoice(t *testing.T) {
	t.Parallel()
	p, out, _, _, _ := newTestPipeline(testTenant(
		directory.Channel{ChatID: -100, Title: "Main"},
		directory.Channel{ChatID: -200, Title: "Backup"},
	))

	submit(p, 1, "pick a channel")
	adminCallback(p, 100, cbData(actApprove, 10, 1))

	if len(out.sentTo(-100))+len(out.sentTo(-200)) != 0 {
		t.Fatal("nothing should be published before the channel is chosen")
	}
	if len(out.edits) == 0 || out.edits[len(out.edits)-1].text != textPickChannel {
		t.Fatalf("panel should show channel choice, edits = %+v", out.edits)
	}

	adminCallback(p, 100, cbData(actPublish, 10, 1, "1"))
	if got := out.sentTo(-200); len(got) != 1 || got[0].text != "pick a channel" {
		t.Fatalf("backup channel posts = %+v", got)
	}
	if len(out.sentTo(-100)) != 0 {
		t.Fatal("main channel must stay empty")
	}
}

func TestEditThenApprovePublishesEditedContent(t *testing.T) {
	t.Parallel()
	p, out, _, _, _ := newTestPipeline(testTenant(directory.Channel{ChatID: -100, Title: "Main"}))

	submit(p, 1, "orginal txt")
	adminCallback(p, 100, cbData(actEdit, 10, 1))

	prompts := out.sentTo(100)
	if prompts[len(prompts)-1].text != textEditPrompt {
		t.Fatalf("edit prompt = %q", prompts[len(prompts)-1].text)
	}

	p.HandleUpdate(context.Background(), transport.Update{
		Kind:    transport.UpdateMessage,
		Message: &transport.Message{ID: 99, ChatID: 100, FromID: 100, Text: "original text"},
	})

	adminCallback(p, 200, cbData(actApprove, 10, 1))
	posts := out.sentTo(-100)
	if len(posts) != 1 || posts[0].text != "original text" {
		t.Fatalf("published = %+v, want edited content", posts)
	}
}

func TestEditCanceledBySlashCommand(t *testing.T) {
	t.Parallel()
	p, out, _, _, _ := newTestPipeline(testTenant(directory.Channel{ChatID: -100}))

	submit(p, 1, "keep me")
	adminCallback(p, 100, cbData(actEdit, 10, 1))
	p.HandleUpdate(context.Background(), transport.Update{
		Kind:    transport.UpdateMessage,
		Message: &transport.Message{ID: 99, ChatID: 100, FromID: 100, Text: "/cancel"},
	})

	msgs := out.sentTo(100)
	if msgs[len(msgs)-1].text != textEditCanceled {
		t.Fatalf("cancel notice = %q", msgs[len(msgs)-1].text)
	}
	sub, _ := p.subs.Get(10, 1)
	if sub.Content != "keep me" {
		t.Fatalf("content = %q, command must not become content", sub.Content)
	}
}

func TestRejectAndUndo(t *testing.T) {
	t.Parallel()
	p, out, _, _, now := newTestPipeline(testTenant(directory.Channel{ChatID: -100}))

	submit(p, 1, "maybe later")
	adminCallback(p, 100, cbData(actReject, 10, 1))

	sender := out.sentTo(10)
	if sender[len(sender)-1].text != textSenderRejected {
		t.Fatalf("sender notice = %q", sender[len(sender)-1].text)
	}
	if p.subs.Len() != 0 {
		t.Fatal("rejected submission should leave the store")
	}

	// Any admin can undo within the window.
	*now = now.Add(2 * time.Minute)
	adminCallback(p, 200, cbData(actUndo, 10, 1))
	sub, ok := p.subs.Get(10, 1)
	if !ok || sub.Content != "maybe later" || sub.State != StatePending {
		t.Fatalf("restored submission = %+v ok=%v", sub, ok)
	}

	// Reject again, then wait out the window.
	adminCallback(p, 100, cbData(actReject, 10, 1))
	*now = now.Add(10 * time.Minute)
	adminCallback(p, 200, cbData(actUndo, 10, 1))
	if out.lastAnswer() != textUndoExpired {
		t.Fatalf("expired undo answer = %q, want %q", out.lastAnswer(), textUndoExpired)
	}
	if p.subs.Len() != 0 {
		t.Fatal("expired undo must not restore the submission")
	}
}

func TestBlockEvictsAndTurnsAwaySender(t *testing.T) {
	t.Parallel()
	p, out, dir, _, _ := newTestPipeline(testTenant(directory.Channel{ChatID: -100}))

	submit(p, 1, "spam")
	adminCallback(p, 100, cbData(actBlock, 10, 1))

	if !dir.blocked[10] {
		t.Fatal("sender should be blocked in the directory")
	}
	sender := out.sentTo(10)
	if sender[len(sender)-1].text != textSenderBlocked {
		t.Fatalf("block notice = %q", sender[len(sender)-1].text)
	}
	if p.subs.Len() != 0 {
		t.Fatal("submission should be evicted on block")
	}

	// Every later arrival gets the fixed blocked notice and nothing else:
	// no new submission, no fan-out to admins.
	adminSendsBefore := len(out.sentTo(100)) + len(out.sentTo(200))
	submit(p, 2, "more spam")
	sender = out.sentTo(10)
	if sender[len(sender)-1].text != textSenderStillBlocked {
		t.Fatalf("blocked arrival notice = %q, want %q", sender[len(sender)-1].text, textSenderStillBlocked)
	}
	if p.subs.Len() != 0 {
		t.Fatal("a blocked sender's message must not become a submission")
	}
	if got := len(out.sentTo(100)) + len(out.sentTo(200)); got != adminSendsBefore {
		t.Fatal("a blocked sender's message must not reach admins")
	}

	adminCallback(p, 100, cbData(actUnblock, 10, 1))
	if dir.blocked[10] {
		t.Fatal("unblock should clear the directory entry")
	}
}

func TestReplyRelay(t *testing.T) {
	t.Parallel()
	p, out, _, _, _ := newTestPipeline(testTenant(directory.Channel{ChatID: -100}))

	submit(p, 1, "question?")
	var fwd transport.MessageRef
	for _, e := range p.corr.EntriesFor(10, 1) {
		if e.AdminID == 100 {
			fwd = e.ForwardRef
		}
	}

	p.HandleUpdate(context.Background(), transport.Update{
		Kind: transport.UpdateMessage,
		Message: &transport.Message{
			ID: 99, ChatID: 100, FromID: 100,
			Text: "answer!", ReplyToID: fwd.MessageID,
		},
	})

	sender := out.sentTo(10)
	if want := textAdminReplyPrefix + "answer!"; sender[len(sender)-1].text != want {
		t.Fatalf("relayed = %q, want %q", sender[len(sender)-1].text, want)
	}
	admin := out.sentTo(100)
	if admin[len(admin)-1].text != textReplyDelivered {
		t.Fatalf("admin confirmation = %q, want %q", admin[len(admin)-1].text, textReplyDelivered)
	}

	// A reply to a message nobody forwarded is a reported miss.
	p.HandleUpdate(context.Background(), transport.Update{
		Kind: transport.UpdateMessage,
		Message: &transport.Message{
			ID: 100, ChatID: 100, FromID: 100,
			Text: "lost", ReplyToID: 777,
		},
	})
	admin = out.sentTo(100)
	if admin[len(admin)-1].text != textReplyOriginGone {
		t.Fatalf("miss report = %q, want %q", admin[len(admin)-1].text, textReplyOriginGone)
	}
	sender = out.sentTo(10)
	if sender[len(sender)-1].text != textAdminReplyPrefix+"answer!" {
		t.Fatal("a miss must not relay anything to the sender")
	}
}

func TestScheduledPublish(t *testing.T) {
	t.Parallel()
	p, out, _, sched, now := newTestPipeline(testTenant(directory.Channel{ChatID: -100}))

	submit(p, 1, "later please")
	adminCallback(p, 100, cbData(actSchedule, 10, 1))
	if sess, _ := p.sess.Get(100, *now, time.Hour); sess.Mode != ModeAwaitingSchedule {
		t.Fatalf("session mode = %v, want awaiting schedule", sess.Mode)
	}
	if len(out.edits) == 0 || out.edits[len(out.edits)-1].text != textPickOffset {
		t.Fatalf("panel should show offset choice, edits = %+v", out.edits)
	}

	adminCallback(p, 100, cbData(actOffset, 10, 1, "2"))
	if sess, _ := p.sess.Get(100, *now, time.Hour); sess.Mode != ModeIdle {
		t.Fatalf("session mode = %v, offset choice should end the wizard", sess.Mode)
	}
	if len(sched.jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(sched.jobs))
	}
	if want := now.Add(2 * time.Hour); !sched.jobs[0].at.Equal(want) {
		t.Fatalf("fire time = %v, want %v", sched.jobs[0].at, want)
	}
	if p.subs.Len() != 0 {
		t.Fatal("scheduled submission should be resolved immediately")
	}
	if len(out.sentTo(-100)) != 0 {
		t.Fatal("nothing should hit the channel before the job fires")
	}

	if err := sched.jobs[0].run(context.Background()); err != nil {
		t.Fatalf("job run error: %v", err)
	}
	if got := out.sentTo(-100); len(got) != 1 || got[0].text != "later please" {
		t.Fatalf("channel posts after fire = %+v", got)
	}
	sender := out.sentTo(10)
	if sender[len(sender)-1].text != textSenderPublished {
		t.Fatalf("sender notice = %q", sender[len(sender)-1].text)
	}
}

func TestPublishFailureKeepsSubmissionPending(t *testing.T) {
	t.Parallel()
	p, out, _, _, _ := newTestPipeline(testTenant(directory.Channel{ChatID: -100}))
	out.failTo[-100] = errors.New("flood wait")

	submit(p, 1, "fragile")
	adminCallback(p, 100, cbData(actApprove, 10, 1))

	if out.lastAnswer() != textPublishFailed {
		t.Fatalf("answer = %q, want %q", out.lastAnswer(), textPublishFailed)
	}
	sub, ok := p.subs.Get(10, 1)
	if !ok || sub.State != StatePending {
		t.Fatalf("submission = %+v ok=%v, want pending", sub, ok)
	}

	// Once the transport recovers the same approval works.
	delete(out.failTo, -100)
	adminCallback(p, 100, cbData(actApprove, 10, 1))
	if len(out.sentTo(-100)) != 1 {
		t.Fatal("retried approve should publish")
	}
}

func TestNonAdminCallbackIgnored(t *testing.T) {
	t.Parallel()
	p, out, _, _, _ := newTestPipeline(testTenant(directory.Channel{ChatID: -100}))

	submit(p, 1, "sneaky")
	p.HandleCallback(context.Background(), &transport.Callback{
		ID: "cb", FromID: 10, ChatID: 10, MessageID: 1,
		Data: cbData(actApprove, 10, 1),
	})
	if len(out.sentTo(-100)) != 0 {
		t.Fatal("non-admin must not publish")
	}
	if _, ok := p.subs.Get(10, 1); !ok {
		t.Fatal("submission must survive a non-admin callback")
	}
}

func TestSweepEvictsStaleSubmissions(t *testing.T) {
	t.Parallel()
	p, _, _, _, now := newTestPipeline(testTenant(directory.Channel{ChatID: -100}))

	submit(p, 1, "forgotten")
	*now = now.Add(25 * time.Hour)
	p.Sweep(context.Background())

	if p.subs.Len() != 0 {
		t.Fatal("stale submission should be swept")
	}
	if got := p.corr.EntriesFor(10, 1); len(got) != 0 {
		t.Fatalf("correlation entries after sweep = %+v", got)
	}
	if !strings.Contains(cbData(actApprove, 10, 1), "mod:app:10:1") {
		t.Fatalf("callback layout changed: %q", cbData(actApprove, 10, 1))
	}
}
