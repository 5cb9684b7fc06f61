package moderation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"proposalbot/internal/directory"
	"proposalbot/internal/eventbus"
	"proposalbot/internal/notifier"
	"proposalbot/internal/transport"
	logx "proposalbot/pkg/logx"
	"proposalbot/pkg/tgui"
)

// PublishScheduler is the deferred-publish surface the pipeline depends on.
// Satisfied by *scheduler.Service; tests substitute an immediate fake.
type PublishScheduler interface {
	Enabled() bool
	Enqueue(tenantID int64, note string, at time.Time, run func(ctx context.Context) error) uint64
}

// Pipeline drives moderation for one tenant. The tenant runtime feeds it
// updates one at a time; the only concurrent entrants are the maintenance
// sweep and fired scheduler jobs, which touch already-evicted submissions.
type Pipeline struct {
	tenant directory.TenantConfig
	dir    directory.Directory
	out    notifier.Notifier
	sched  PublishScheduler
	bus    eventbus.Bus
	log    logx.Logger
	set    Settings

	subs *SubmissionStore
	corr *CorrelationTable
	sess *SessionTable

	now func() time.Time
}

func NewPipeline(
	tenant directory.TenantConfig,
	dir directory.Directory,
	out notifier.Notifier,
	sched PublishScheduler,
	bus eventbus.Bus,
	set Settings,
	log logx.Logger,
) *Pipeline {
	return &Pipeline{
		tenant: tenant,
		dir:    dir,
		out:    out,
		sched:  sched,
		bus:    bus,
		log:    log.With(logx.Int64("tenant", tenant.ID)),
		set:    set.withDefaults(),
		subs:   NewSubmissionStore(),
		corr:   NewCorrelationTable(),
		sess:   NewSessionTable(),
		now:    time.Now,
	}
}

// HandleUpdate routes one transport update. Delivery failures inside a flow
// are reported to the actor and logged, not bubbled: a failed send must not
// kill the receive loop.
func (p *Pipeline) HandleUpdate(ctx context.Context, u transport.Update) {
	switch u.Kind {
	case transport.UpdateMessage:
		m := u.Message
		if m == nil || m.IsGroup {
			return
		}
		if p.tenant.IsAdmin(m.FromID) {
			p.handleAdminMessage(ctx, m)
			return
		}
		p.handleUserMessage(ctx, m)
	case transport.UpdateCallback:
		if u.Callback != nil {
			p.HandleCallback(ctx, u.Callback)
		}
	}
}

// Pending reports the number of submissions awaiting a decision.
func (p *Pipeline) Pending() int { return p.subs.Len() }

// Sweep evicts expired submissions and stale undo state. Called on the
// maintenance cron tick.
func (p *Pipeline) Sweep(ctx context.Context) {
	now := p.now()
	evicted := p.subs.SweepExpired(now, p.set.SubmissionTTL)
	p.corr.Sweep(now, p.set.UndoWindow, evicted)
	if len(evicted) > 0 {
		p.log.Info("expired submissions evicted", logx.Int("count", len(evicted)))
	}
}

func (p *Pipeline) handleUserMessage(ctx context.Context, m *transport.Message) {
	blocked, err := p.dir.IsBlocked(ctx, p.tenant.ID, m.FromID)
	if err != nil {
		p.log.Error("block lookup failed", logx.Int64("sender", m.FromID), logx.Err(err))
		return
	}
	if blocked {
		if _, err := p.out.Send(ctx, transport.ChatTarget{ChatID: m.ChatID}, textSenderStillBlocked, nil); err != nil {
			p.log.Warn("blocked notice failed", logx.Int64("sender", m.FromID), logx.Err(err))
		}
		return
	}

	sender := transport.ChatTarget{ChatID: m.ChatID}
	first := p.subs.FirstContact(m.FromID)
	if first && p.tenant.WelcomeText != "" {
		if _, err := p.out.Send(ctx, sender, p.tenant.WelcomeText, nil); err != nil {
			p.log.Warn("welcome failed", logx.Int64("sender", m.FromID), logx.Err(err))
		}
	}
	if strings.HasPrefix(m.Text, "/start") {
		return
	}
	if strings.TrimSpace(m.Text) == "" {
		return
	}

	sub := Submission{
		TenantID:   p.tenant.ID,
		SenderID:   m.FromID,
		SenderName: m.FromUsername,
		ChatID:     m.ChatID,
		ID:         m.ID,
		Content:    m.Text,
		ReceivedAt: p.now(),
		State:      StatePending,
	}
	p.subs.Put(sub)

	if p.tenant.ConfirmationText != "" {
		if _, err := p.out.Send(ctx, sender, p.tenant.ConfirmationText, nil); err != nil {
			p.log.Warn("confirmation failed", logx.Int64("sender", m.FromID), logx.Err(err))
		}
	}

	p.fanOut(ctx, sub)
}

// fanOut delivers the forwarded copy plus a control panel to every admin.
// Per-admin failures are logged and skipped; one unreachable admin must not
// hide the submission from the rest.
func (p *Pipeline) fanOut(ctx context.Context, sub Submission) {
	for _, adminID := range p.tenant.Admins {
		adminChat := transport.ChatTarget{ChatID: adminID}
		fwd, err := p.out.Forward(ctx, transport.ChatTarget{ChatID: sub.ChatID}, sub.ID, adminChat)
		if err != nil {
			p.log.Warn("forward to admin failed", logx.Int64("admin", adminID), logx.Err(err))
			continue
		}
		panel, err := p.out.Send(ctx, adminChat, p.panelText(sub), &transport.SendOptions{
			ParseMode:   "HTML",
			ReplyMarkup: mainPanel(sub.SenderID, sub.ID),
		})
		if err != nil {
			p.log.Warn("control panel to admin failed", logx.Int64("admin", adminID), logx.Err(err))
			continue
		}
		p.corr.Add(CorrelationEntry{
			TenantID:     p.tenant.ID,
			AdminID:      adminID,
			SenderID:     sub.SenderID,
			SubmissionID: sub.ID,
			ControlRef:   panel,
			ForwardRef:   fwd,
		})
	}
}

func (p *Pipeline) panelText(sub Submission) string {
	return string(panelHeader(sub.SenderName, sub.SenderID))
}

func (p *Pipeline) handleAdminMessage(ctx context.Context, m *transport.Message) {
	adminChat := transport.ChatTarget{ChatID: m.ChatID}
	sess, expired := p.sess.Get(m.FromID, p.now(), p.set.EditTimeout)
	if expired {
		if _, err := p.out.Send(ctx, adminChat, textEditExpired, nil); err != nil {
			p.log.Warn("edit-expired notice failed", logx.Int64("admin", m.FromID), logx.Err(err))
		}
	}

	if sess.Mode == ModeEditing {
		// Slash commands abort the capture instead of becoming content.
		if strings.HasPrefix(m.Text, "/") {
			p.sess.Clear(m.FromID)
			_, _ = p.out.Send(ctx, adminChat, textEditCanceled, nil)
			return
		}
		p.finishEdit(ctx, m, sess)
		return
	}

	// A plain admin message replying to a forwarded copy relays to the sender.
	if m.ReplyToID != 0 {
		e, ok := p.corr.ResolveForward(transport.MessageRef{ChatID: m.ChatID, MessageID: m.ReplyToID})
		if !ok {
			_, _ = p.out.Send(ctx, adminChat, textReplyOriginGone, nil)
			return
		}
		sub, found := p.subs.Get(e.SenderID, e.SubmissionID)
		if !found {
			_, _ = p.out.Send(ctx, adminChat, textGone, nil)
			return
		}
		if _, err := p.out.Send(ctx, transport.ChatTarget{ChatID: sub.ChatID}, textAdminReplyPrefix+m.Text, nil); err != nil {
			p.log.Warn("reply relay failed", logx.Int64("sender", e.SenderID), logx.Err(err))
			_, _ = p.out.Send(ctx, adminChat, textReplyFailed, nil)
			return
		}
		_, _ = p.out.Send(ctx, adminChat, textReplyDelivered, nil)
		return
	}
}

func (p *Pipeline) finishEdit(ctx context.Context, m *transport.Message, sess Session) {
	p.sess.Clear(m.FromID)
	adminChat := transport.ChatTarget{ChatID: m.ChatID}
	if !p.subs.SetContent(sess.SenderID, sess.SubmissionID, m.Text) {
		_, _ = p.out.Send(ctx, adminChat, textGone, nil)
		return
	}
	sub, _ := p.subs.Get(sess.SenderID, sess.SubmissionID)
	p.log.Info("submission edited",
		logx.Int64("admin", m.FromID), logx.Int64("sender", sess.SenderID), logx.Int("submission", sess.SubmissionID))
	// Refresh every admin's panel so the next approval publishes what they see.
	p.updatePanels(ctx, sess.SenderID, sess.SubmissionID,
		p.panelText(sub)+"\n✏️ "+string(tgui.I("edited")), mainPanel(sess.SenderID, sess.SubmissionID))
}

// HandleCallback executes one control-panel button press.
func (p *Pipeline) HandleCallback(ctx context.Context, cb *transport.Callback) {
	ack := func(text string) {
		if err := p.out.AnswerCallback(ctx, cb.ID, text); err != nil {
			p.log.Warn("callback answer failed", logx.Err(err))
		}
	}
	if !p.tenant.IsAdmin(cb.FromID) {
		ack("")
		return
	}
	ns, action, args, ok := tgui.ParseData(cb.Data)
	if !ok || ns != cbNS || len(args) < 2 {
		ack("")
		return
	}
	senderID, err1 := strconv.ParseInt(args[0], 10, 64)
	subID, err2 := strconv.Atoi(args[1])
	if err1 != nil || err2 != nil {
		ack("")
		return
	}
	ref := transport.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	who := adminLabel(cb)

	// Any button press silently abandons a pending edit capture.
	if sess, _ := p.sess.Get(cb.FromID, p.now(), p.set.EditTimeout); sess.Mode == ModeEditing {
		p.sess.Clear(cb.FromID)
	}

	switch action {
	case actApprove, actSilent:
		p.startPublish(ctx, cb, ref, senderID, subID, action == actSilent, time.Time{}, ack)

	case actSchedule:
		if _, ok := p.subs.Get(senderID, subID); !ok {
			p.markGone(ctx, ref)
			ack(textGone)
			return
		}
		p.sess.Set(cb.FromID, Session{
			Mode:         ModeAwaitingSchedule,
			SenderID:     senderID,
			SubmissionID: subID,
			EnteredAt:    p.now(),
		})
		p.editPanel(ctx, ref, textPickOffset, schedulePanel(senderID, subID))
		ack("")

	case actOffset:
		if len(args) < 3 {
			ack("")
			return
		}
		hours, err := strconv.Atoi(args[2])
		if err != nil || hours <= 0 {
			ack("")
			return
		}
		p.sess.Clear(cb.FromID)
		at := p.now().Add(time.Duration(hours) * time.Hour)
		p.startPublish(ctx, cb, ref, senderID, subID, false, at, ack)

	case actPublish:
		if len(args) < 3 {
			ack("")
			return
		}
		idx, err := strconv.Atoi(args[2])
		if err != nil || idx < 0 || idx >= len(p.tenant.Channels) {
			ack(textGone)
			return
		}
		sess, _ := p.sess.Get(cb.FromID, p.now(), p.set.EditTimeout)
		silent, at := false, time.Time{}
		if sess.Mode == ModeAwaitingChannel && sess.SenderID == senderID && sess.SubmissionID == subID {
			silent, at = sess.Silent, sess.ScheduledAt
		}
		p.sess.Clear(cb.FromID)
		p.resolvePublish(ctx, cb, ref, senderID, subID, p.tenant.Channels[idx], silent, at, ack)

	case actBack:
		p.sess.Clear(cb.FromID)
		sub, ok := p.subs.Get(senderID, subID)
		if !ok {
			p.markGone(ctx, ref)
			ack(textGone)
			return
		}
		p.editPanel(ctx, ref, p.panelText(sub), mainPanel(senderID, subID))
		ack("")

	case actEdit:
		if _, ok := p.subs.Get(senderID, subID); !ok {
			p.markGone(ctx, ref)
			ack(textGone)
			return
		}
		p.sess.Set(cb.FromID, Session{
			Mode:         ModeEditing,
			SenderID:     senderID,
			SubmissionID: subID,
			EnteredAt:    p.now(),
		})
		_, _ = p.out.Send(ctx, transport.ChatTarget{ChatID: cb.ChatID}, textEditPrompt, nil)
		ack("")

	case actReject:
		sub, ok := p.subs.Delete(senderID, subID)
		if !ok {
			p.markGone(ctx, ref)
			ack(textGone)
			return
		}
		p.corr.RetainUndo(sub, p.now())
		if _, err := p.out.Send(ctx, transport.ChatTarget{ChatID: sub.ChatID}, textSenderRejected, nil); err != nil {
			p.log.Warn("reject notice failed", logx.Int64("sender", senderID), logx.Err(err))
		}
		p.updatePanels(ctx, senderID, subID, textRejected(who), undoPanel(senderID, subID))
		p.bus.Publish(eventbus.Event{Type: eventbus.SubmissionRejected, Data: p.subEvent(senderID, subID)})
		p.log.Info("submission rejected", logx.Int64("admin", cb.FromID), logx.Int64("sender", senderID))
		ack("")

	case actUndo:
		sub, ok := p.corr.TakeUndo(senderID, subID, p.now(), p.set.UndoWindow)
		if !ok {
			ack(textUndoExpired)
			return
		}
		sub.TenantID = p.tenant.ID
		p.subs.Put(sub)
		p.updatePanels(ctx, senderID, subID, p.panelText(sub), mainPanel(senderID, subID))
		p.log.Info("rejection undone", logx.Int64("admin", cb.FromID), logx.Int64("sender", senderID))
		ack("")

	case actBlock:
		sub, ok := p.subs.Delete(senderID, subID)
		if !ok {
			p.markGone(ctx, ref)
			ack(textGone)
			return
		}
		if err := p.dir.Block(ctx, p.tenant.ID, senderID); err != nil {
			// Persisting the block failed; restore the submission rather than
			// drop it on the floor.
			p.subs.Put(sub)
			p.log.Error("block failed", logx.Int64("sender", senderID), logx.Err(err))
			ack(textPublishFailed)
			return
		}
		if _, err := p.out.Send(ctx, transport.ChatTarget{ChatID: sub.ChatID}, textSenderBlocked, nil); err != nil {
			p.log.Warn("block notice failed", logx.Int64("sender", senderID), logx.Err(err))
		}
		p.updatePanels(ctx, senderID, subID, textBlocked(who), unblockPanel(senderID, subID))
		p.corr.Evict(senderID, subID)
		p.bus.Publish(eventbus.Event{Type: eventbus.SubmissionBlocked, Data: p.subEvent(senderID, subID)})
		p.log.Info("sender blocked", logx.Int64("admin", cb.FromID), logx.Int64("sender", senderID))
		ack("")

	case actUnblock:
		if err := p.dir.Unblock(ctx, p.tenant.ID, senderID); err != nil {
			p.log.Error("unblock failed", logx.Int64("sender", senderID), logx.Err(err))
			ack(textPublishFailed)
			return
		}
		p.editPanel(ctx, ref, textUnblocked(who), nil)
		p.log.Info("sender unblocked", logx.Int64("admin", cb.FromID), logx.Int64("sender", senderID))
		ack("")

	default:
		ack("")
	}
}

// startPublish begins a publish decided at the panel: straight to the single
// channel, or a channel-choice step when the tenant has several.
func (p *Pipeline) startPublish(ctx context.Context, cb *transport.Callback, ref transport.MessageRef, senderID int64, subID int, silent bool, at time.Time, ack func(string)) {
	if _, ok := p.subs.Get(senderID, subID); !ok {
		p.markGone(ctx, ref)
		ack(textGone)
		return
	}
	if len(p.tenant.Channels) == 0 {
		ack(textNoChannels)
		return
	}
	if len(p.tenant.Channels) == 1 {
		p.resolvePublish(ctx, cb, ref, senderID, subID, p.tenant.Channels[0], silent, at, ack)
		return
	}
	p.sess.Set(cb.FromID, Session{
		Mode:         ModeAwaitingChannel,
		SenderID:     senderID,
		SubmissionID: subID,
		Silent:       silent,
		ScheduledAt:  at,
		EnteredAt:    p.now(),
	})
	p.editPanel(ctx, ref, textPickChannel, channelPanel(senderID, subID, p.tenant.Channels))
	ack("")
}

// resolvePublish ships (or schedules) the submission to a concrete channel.
// The store delete is the disposition tie-break; a failed immediate send puts
// the submission back as pending.
func (p *Pipeline) resolvePublish(ctx context.Context, cb *transport.Callback, ref transport.MessageRef, senderID int64, subID int, ch directory.Channel, silent bool, at time.Time, ack func(string)) {
	sub, ok := p.subs.Delete(senderID, subID)
	if !ok {
		p.markGone(ctx, ref)
		ack(textGone)
		return
	}
	who := adminLabel(cb)
	post := p.composePost(ctx, sub)
	senderChat := transport.ChatTarget{ChatID: sub.ChatID}

	if !at.IsZero() && p.sched != nil && p.sched.Enabled() {
		note := fmt.Sprintf("submission %d/%d to %d", senderID, subID, ch.ChatID)
		p.sched.Enqueue(p.tenant.ID, note, at, func(jctx context.Context) error {
			if _, err := p.out.Send(jctx, transport.ChatTarget{ChatID: ch.ChatID}, post, &transport.SendOptions{Silent: silent}); err != nil {
				return err
			}
			_, _ = p.out.Send(jctx, senderChat, textSenderPublished, nil)
			p.bus.Publish(eventbus.Event{Type: eventbus.SubmissionPublished, Data: p.subEvent(senderID, subID)})
			return nil
		})
		p.updatePanels(ctx, senderID, subID, textScheduledFor(who, at), nil)
		p.corr.Evict(senderID, subID)
		ack("")
		return
	}

	if _, err := p.out.Send(ctx, transport.ChatTarget{ChatID: ch.ChatID}, post, &transport.SendOptions{Silent: silent}); err != nil {
		p.subs.Put(sub)
		p.log.Error("publish failed", logx.Int64("channel", ch.ChatID), logx.Err(err))
		ack(textPublishFailed)
		return
	}
	if _, err := p.out.Send(ctx, senderChat, textSenderPublished, nil); err != nil {
		p.log.Warn("published notice failed", logx.Int64("sender", senderID), logx.Err(err))
	}
	p.updatePanels(ctx, senderID, subID, textPublished(who), nil)
	p.corr.Evict(senderID, subID)
	p.bus.Publish(eventbus.Event{Type: eventbus.SubmissionPublished, Data: p.subEvent(senderID, subID)})
	p.log.Info("submission published",
		logx.Int64("admin", cb.FromID), logx.Int64("sender", senderID), logx.Int64("channel", ch.ChatID))
	ack("")
}

// composePost appends the publication footer when one is configured. The
// per-tenant setting wins over the static tenant field.
func (p *Pipeline) composePost(ctx context.Context, sub Submission) string {
	footer, err := p.dir.GetSetting(ctx, p.tenant.ID, directory.SettingPublicationFooter, p.tenant.FooterText)
	if err != nil {
		p.log.Warn("footer lookup failed", logx.Err(err))
		footer = p.tenant.FooterText
	}
	if footer == "" {
		return sub.Content
	}
	return sub.Content + "\n\n" + footer
}

// updatePanels edits every admin's control panel for a submission in place.
func (p *Pipeline) updatePanels(ctx context.Context, senderID int64, subID int, text string, markup any) {
	for _, e := range p.corr.EntriesFor(senderID, subID) {
		opt := &transport.SendOptions{ParseMode: "HTML"}
		if markup != nil {
			opt.ReplyMarkup = markup
		}
		if err := p.out.Edit(ctx, e.ControlRef, text, opt); err != nil {
			p.log.Warn("panel update failed", logx.Int64("admin", e.AdminID), logx.Err(err))
		}
	}
}

// editPanel rewrites a single control panel in place.
func (p *Pipeline) editPanel(ctx context.Context, ref transport.MessageRef, text string, markup any) {
	opt := &transport.SendOptions{ParseMode: "HTML"}
	if markup != nil {
		opt.ReplyMarkup = markup
	}
	if err := p.out.Edit(ctx, ref, text, opt); err != nil {
		p.log.Warn("panel update failed", logx.Err(err))
	}
}

func (p *Pipeline) markGone(ctx context.Context, ref transport.MessageRef) {
	p.editPanel(ctx, ref, textGone, nil)
}

func (p *Pipeline) subEvent(senderID int64, subID int) eventbus.SubmissionEvent {
	return eventbus.SubmissionEvent{TenantID: p.tenant.ID, SenderID: senderID, SubmissionID: subID}
}

func adminLabel(cb *transport.Callback) string {
	if cb.FromUsername != "" {
		return "@" + cb.FromUsername
	}
	return "admin " + strconv.FormatInt(cb.FromID, 10)
}
