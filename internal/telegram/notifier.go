package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/camuig/crypto-trader/internal/audit"
	"github.com/camuig/crypto-trader/internal/config"
	"github.com/camuig/crypto-trader/internal/logger"
	"github.com/camuig/crypto-trader/internal/trading"
)

// sender is the slice of the bot API the notifier uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Notifier struct {
	bot     sender
	chatID  int64
	enabled bool
	logger  *logger.Logger
}

func NewNotifier(cfg *config.Config, log *logger.Logger) *Notifier {
	if !cfg.Telegram.Enabled {
		return &Notifier{enabled: false, logger: log}
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		log.Error("failed to create telegram bot", "error", err)
		return &Notifier{enabled: false, logger: log}
	}

	log.Info("telegram bot connected", "username", bot.Self.UserName)

	return &Notifier{
		bot:     bot,
		chatID:  cfg.Telegram.ChatID,
		enabled: true,
		logger:  log,
	}
}

// Record forwards the events worth a human's attention: fills, failed
// orders, emergency transitions and mode switches. Blocked and HOLD
// decisions stay in the log.
func (n *Notifier) Record(_ context.Context, ev audit.Event) error {
	if !n.enabled {
		return nil
	}
	if text := format(ev); text != "" {
		n.send(text)
	}
	return nil
}

func format(ev audit.Event) string {
	switch ev.Kind {
	case audit.KindDecision:
		d := ev.Decision
		if d == nil || !d.Executable() {
			return ""
		}
		return fmt.Sprintf("🧠 *%s* %s @ %s\nConfidence: %d%%\nReason: %s\n%s",
			d.FinalAction, d.Symbol, d.Price.StringFixed(2), d.Recommendation.Confidence,
			d.Verdict.Reason, escape(d.Recommendation.Rationale))

	case audit.KindExecution:
		r := ev.Execution
		if r == nil || r.Duplicate {
			return ""
		}
		prefix := ""
		if r.Emergency {
			prefix = "🚨 EMERGENCY "
		}
		switch r.Status {
		case trading.StatusFilled:
			emoji := "🟢"
			if r.Action == trading.ActionSell {
				emoji = "🔴"
			}
			return fmt.Sprintf("%s %s*%s* %s\nPrice: %s\nQty: %s\nMode: %s",
				emoji, prefix, r.Action, r.Symbol, r.FilledPrice.StringFixed(2), r.FilledQty.String(), r.Mode)
		default:
			return fmt.Sprintf("⚠️ %s*%s %s* %s\nAttempts: %d\n%s",
				prefix, r.Action, r.Status, r.Symbol, r.Attempts, escape(r.Error))
		}

	case audit.KindEmergency:
		e := ev.Emergency
		if e == nil {
			return ""
		}
		switch e.State {
		case audit.EmergencyRequested:
			return fmt.Sprintf("🚨 *Emergency close requested*\nConfirm before %s", e.Request.ConfirmDeadline.Format("15:04:05"))
		case audit.EmergencyConfirmed:
			return "🚨 *Emergency close confirmed*, liquidating"
		case audit.EmergencyExpired:
			return "⌛ Emergency close request expired unconfirmed"
		case audit.EmergencyCancelled:
			return "Emergency close request cancelled"
		}

	case audit.KindModeSwitch:
		if ev.Mode != nil {
			return fmt.Sprintf("🔁 Trading mode: %s → %s", ev.Mode.From, ev.Mode.To)
		}
	}
	return ""
}

// escape keeps free text from breaking Markdown parsing.
func escape(s string) string {
	return strings.NewReplacer("*", "", "_", " ", "`", "'", "[", "(", "]", ")").Replace(s)
}

func (n *Notifier) NotifyError(context string, err error) {
	msg := fmt.Sprintf("⚠️ *Error* [%s]\n%s", escape(context), escape(fmt.Sprint(err)))
	n.send(msg)
}

func (n *Notifier) NotifyStatus(message string) {
	n.send(message)
}

func (n *Notifier) send(text string) {
	if !n.enabled {
		return
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown

	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Error("send telegram message", "error", err)
	}
}
