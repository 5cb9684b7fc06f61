package moderation

import (
	"fmt"
	"strconv"
	"time"

	"proposalbot/internal/directory"
	"proposalbot/pkg/tgui"
)

// Callback namespace and actions for control-panel buttons. Payload layout is
// "mod:<action>:<sender>:<sub>" plus an action-specific tail; channels ride as
// an index into the tenant snapshot so the data stays under Telegram's 64-byte
// limit.
const (
	cbNS = "mod"

	actApprove  = "app"
	actEdit     = "edit"
	actReject   = "rej"
	actBlock    = "blk"
	actSchedule = "sch"
	actSilent   = "sil"
	actPublish  = "pub" // tail: channel index
	actOffset   = "time" // tail: offset hours
	actBack     = "back"
	actUndo     = "undo"
	actUnblock  = "unblk"
)

func cbData(action string, senderID int64, subID int, tail ...string) string {
	args := append([]string{
		strconv.FormatInt(senderID, 10),
		strconv.Itoa(subID),
	}, tail...)
	return tgui.Data(cbNS, action, args...)
}

func mainPanel(senderID int64, subID int) any {
	return tgui.NewInline().
		Row(
			tgui.Btn("✅ Approve", cbData(actApprove, senderID, subID)),
			tgui.Btn("✏️ Edit", cbData(actEdit, senderID, subID)),
		).
		Row(
			tgui.Btn("❌ Reject", cbData(actReject, senderID, subID)),
			tgui.Btn("🚫 Block", cbData(actBlock, senderID, subID)),
		).
		Row(
			tgui.Btn("🕒 Schedule", cbData(actSchedule, senderID, subID)),
			tgui.Btn("🔕 Silent post", cbData(actSilent, senderID, subID)),
		).
		Markup()
}

func channelPanel(senderID int64, subID int, channels []directory.Channel) any {
	kb := tgui.NewInline()
	for i, ch := range channels {
		title := ch.Title
		if title == "" {
			title = strconv.FormatInt(ch.ChatID, 10)
		}
		kb.Row(tgui.Btn("📣 "+tgui.TruncRunes(title, 24), cbData(actPublish, senderID, subID, strconv.Itoa(i))))
	}
	kb.Row(tgui.Btn("⬅️ Back", cbData(actBack, senderID, subID)))
	return kb.Markup()
}

func schedulePanel(senderID int64, subID int) any {
	return tgui.NewInline().
		Row(
			tgui.Btn("+1h", cbData(actOffset, senderID, subID, "1")),
			tgui.Btn("+2h", cbData(actOffset, senderID, subID, "2")),
			tgui.Btn("+3h", cbData(actOffset, senderID, subID, "3")),
		).
		Row(tgui.Btn("⬅️ Back", cbData(actBack, senderID, subID))).
		Markup()
}

func undoPanel(senderID int64, subID int) any {
	return tgui.NewInline().
		Row(tgui.Btn("↩️ Undo", cbData(actUndo, senderID, subID))).
		Markup()
}

func unblockPanel(senderID int64, subID int) any {
	return tgui.NewInline().
		Row(tgui.Btn("🔓 Unblock", cbData(actUnblock, senderID, subID))).
		Markup()
}

// Panel and notice texts. HTML parse mode throughout.

func panelHeader(fromName string, senderID int64) tgui.H {
	who := tgui.Mention(fromName, senderID)
	if fromName == "" {
		who = tgui.Code(strconv.FormatInt(senderID, 10))
	}
	return "📨 " + tgui.B("New submission") + " from " + who
}

func textPublished(who string) string {
	return fmt.Sprintf("✅ Published by %s.", who)
}

func textScheduledFor(who string, at time.Time) string {
	return fmt.Sprintf("🕒 Scheduled by %s for %s.", who, at.Format("15:04 MST"))
}

func textRejected(who string) string {
	return fmt.Sprintf("❌ Rejected by %s.", who)
}

func textBlocked(who string) string {
	return fmt.Sprintf("🚫 Sender blocked by %s.", who)
}

func textUnblocked(who string) string {
	return fmt.Sprintf("🔓 Sender unblocked by %s.", who)
}

const (
	textGone          = "This submission is no longer available."
	textUndoExpired   = "Too late, the undo window has passed."
	textEditPrompt    = "✏️ Send the corrected text as your next message."
	textEditCanceled  = "Edit canceled."
	textEditExpired   = "The edit session timed out, the submission is back to pending."
	textPickChannel   = "📣 Pick a channel to publish to."
	textPickOffset    = "🕒 Publish in how long?"
	textPublishFailed = "⚠️ Delivery to the channel failed, the submission is still pending."
	textNoChannels    = "⚠️ No channels configured for this bot."

	textReplyDelivered   = "✉️ Reply delivered to the sender."
	textReplyOriginGone  = "The replied-to message does not belong to any submission."
	textReplyFailed      = "⚠️ Delivery to the sender failed."
	textAdminReplyPrefix = "💬 Reply from the administrator:\n\n"

	textSenderPublished    = "🎉 Your submission has been published. Thank you!"
	textSenderRejected     = "😕 Sorry, your submission was not accepted this time."
	textSenderBlocked      = "🚫 You have been blocked and can no longer submit."
	textSenderStillBlocked = "⛔ You are blocked and cannot submit."
)
