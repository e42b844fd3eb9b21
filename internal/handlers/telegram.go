package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/portfolio-assistant-go/internal/i18n"
	"github.com/portfolio-assistant-go/internal/middleware"
	"github.com/portfolio-assistant-go/internal/models"
	"github.com/portfolio-assistant-go/internal/services/storage"
	"github.com/portfolio-assistant-go/pkg/markdown"
	"github.com/sirupsen/logrus"
)

// Sender is the part of *tgbotapi.BotAPI used to reply.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramHandler answers visitors who reach the assistant through Telegram.
type TelegramHandler struct {
	bot         Sender
	responder   Responder
	storage     storage.Storage
	rateLimiter middleware.RateLimiter
	localizer   *i18n.Localizer
	metrics     RateLimitRecorder
	owner       string
	logger      *logrus.Logger
}

// NewTelegramHandler creates a new telegram handler. metrics may be nil.
func NewTelegramHandler(
	bot Sender,
	responder Responder,
	store storage.Storage,
	rateLimiter middleware.RateLimiter,
	localizer *i18n.Localizer,
	metrics RateLimitRecorder,
	owner string,
	logger *logrus.Logger,
) *TelegramHandler {
	return &TelegramHandler{
		bot:         bot,
		responder:   responder,
		storage:     store,
		rateLimiter: rateLimiter,
		localizer:   localizer,
		metrics:     metrics,
		owner:       owner,
		logger:      logger,
	}
}

func telegramSession(chatID int64) string {
	return fmt.Sprintf("tg:%d", chatID)
}

// HandleUpdate processes one update. Only text messages are answered.
func (h *TelegramHandler) HandleUpdate(ctx context.Context, update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || msg.Text == "" {
		return nil
	}

	chatID := msg.Chat.ID
	lang := ""
	name := ""
	if msg.From != nil {
		lang = msg.From.LanguageCode
		name = msg.From.FirstName
	}

	switch msg.Command() {
	case "start", "help":
		return h.sendPlain(chatID, msg.MessageID, h.localizer.Get(lang, i18n.MsgWelcome, map[string]interface{}{
			"Name":  name,
			"Owner": h.owner,
		}))
	case "reset":
		if err := h.storage.Clear(ctx, telegramSession(chatID)); err != nil {
			h.logger.WithError(err).WithField("chatID", chatID).Error("Failed to clear history")
			return h.sendPlain(chatID, msg.MessageID, h.localizer.Get(lang, i18n.MsgError, nil))
		}
		h.rateLimiter.Reset(telegramSession(chatID))
		return h.sendPlain(chatID, msg.MessageID, h.localizer.Get(lang, i18n.MsgHistoryCleared, nil))
	}

	if !h.rateLimiter.Allow(telegramSession(chatID)) {
		if h.metrics != nil {
			h.metrics.RecordRateLimitExceeded("telegram")
		}
		return h.sendPlain(chatID, msg.MessageID, h.localizer.Get(lang, i18n.MsgRateLimitExceeded, nil))
	}

	text := msg.Text
	if msg.IsCommand() {
		text = msg.CommandArguments()
	}

	userMsg := models.NewMessage(models.RoleUser, text)
	reply := h.responder.Reply(ctx, text)
	if err := h.storage.Append(ctx, telegramSession(chatID), userMsg, models.NewMessage(models.RoleAssistant, reply.Text)); err != nil {
		h.logger.WithError(err).WithField("chatID", chatID).Error("Failed to save conversation")
	}

	h.logger.WithFields(logrus.Fields{
		"chatID": chatID,
		"source": reply.Source,
		"rule":   reply.Rule,
	}).Debug("Answered telegram message")

	return h.sendReply(chatID, msg.MessageID, reply.Text)
}

func (h *TelegramHandler) sendReply(chatID int64, replyTo int, text string) error {
	html := markdown.ToTelegramHTML(text)
	if strings.TrimSpace(html) == "" {
		return h.sendPlain(chatID, replyTo, text)
	}

	out := tgbotapi.NewMessage(chatID, html)
	out.ParseMode = tgbotapi.ModeHTML
	out.ReplyToMessageID = replyTo
	if _, err := h.bot.Send(out); err != nil {
		// If HTML parsing fails, try plain text
		h.logger.WithError(err).Warn("Failed to send HTML response, trying plain text")
		return h.sendPlain(chatID, replyTo, text)
	}
	return nil
}

func (h *TelegramHandler) sendPlain(chatID int64, replyTo int, text string) error {
	out := tgbotapi.NewMessage(chatID, text)
	out.ReplyToMessageID = replyTo
	if _, err := h.bot.Send(out); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

// RunTelegram long-polls for updates until ctx is done.
func RunTelegram(ctx context.Context, bot *tgbotapi.BotAPI, handler *TelegramHandler, updateTimeout int, logger *logrus.Logger) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = updateTimeout

	updates := bot.GetUpdatesChan(u)
	logger.WithField("username", bot.Self.UserName).Info("Using long polling")

	for {
		select {
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			updateCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			if err := handler.HandleUpdate(updateCtx, update); err != nil {
				logger.WithError(err).Error("Failed to handle telegram update")
			}
			cancel()
		}
	}
}
