package i18n

import (
	"embed"
	"encoding/json"
	"fmt"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/portfolio-assistant-go/internal/config"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

// Localizer manages internationalization
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	fallback        *i18n.Localizer
}

// NewLocalizer creates a new localizer from the embedded message files
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	defaultTag, err := language.Parse(cfg.DefaultLanguage)
	if err != nil {
		return nil, fmt.Errorf("invalid default language %q: %w", cfg.DefaultLanguage, err)
	}

	bundle := i18n.NewBundle(defaultTag)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	for _, lang := range cfg.Languages {
		if _, err := bundle.LoadMessageFileFS(localeFS, fmt.Sprintf("locales/%s.json", lang)); err != nil {
			return nil, fmt.Errorf("failed to load language file %s: %w", lang, err)
		}
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: cfg.DefaultLanguage,
		fallback:        i18n.NewLocalizer(bundle, cfg.DefaultLanguage),
	}, nil
}

// Get returns the message for the best match of lang, which may be a plain tag ("es") or
// an Accept-Language header value. Unknown ids come back unchanged.
func (l *Localizer) Get(lang, messageID string, data map[string]interface{}) string {
	cfg := &i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	}

	msg, err := i18n.NewLocalizer(l.bundle, lang, l.defaultLanguage).Localize(cfg)
	if err == nil {
		return msg
	}

	msg, err = l.fallback.Localize(cfg)
	if err != nil {
		return messageID
	}
	return msg
}

// Message IDs
const (
	MsgWelcome           = "welcome"
	MsgHistoryCleared    = "history_cleared"
	MsgRateLimitExceeded = "rate_limit_exceeded"
	MsgInvalidRequest    = "invalid_request"
	MsgMessageTooLong    = "message_too_long"
	MsgError             = "error"
	MsgNotFound          = "not_found"
)
