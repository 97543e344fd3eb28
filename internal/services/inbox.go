package services

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/chatcharin/messaging-hub/internal/channel"
	"github.com/chatcharin/messaging-hub/internal/channel/meta"
	"github.com/chatcharin/messaging-hub/internal/domain"
	"github.com/chatcharin/messaging-hub/internal/repo"
)

// Webhook outcomes, also used as metric labels.
const (
	OutcomeIgnored          = "ignored"
	OutcomeInvalidSignature = "invalid_signature"
	OutcomeMalformed        = "malformed"
	OutcomeIngested         = "ingested"
	OutcomeDuplicate        = "duplicate"
	OutcomeFailed           = "failed"
)

// InboxResult summarizes one webhook delivery.
type InboxResult struct {
	// Outcome is set when the delivery was rejected as a whole.
	Outcome    string
	Ingested   int
	Duplicates int
	Failed     int
}

// Inbox processes verified webhook deliveries. Every event of a delivery is
// handled independently; a failing event is logged and skipped.
type Inbox struct {
	DB       *gorm.DB
	Registry *channel.Registry
	Resolver *Resolver
	Pipeline *Pipeline
	Settings *SettingService

	wg sync.WaitGroup
}

// metadataKeys name the message metadata field that carries the provider
// event id, per family.
var metadataKeys = map[Family]string{
	FamilyLine: "lineEventId",
	FamilyMeta: "metaMessageId",
}

// HandleLine processes a LINE delivery for settingID.
func (in *Inbox) HandleLine(ctx context.Context, settingID string, body []byte, header http.Header) InboxResult {
	return in.handle(ctx, FamilyLine, settingID, body, header)
}

// HandleMeta processes a Facebook, Instagram or WhatsApp delivery.
func (in *Inbox) HandleMeta(ctx context.Context, settingID string, body []byte, header http.Header) InboxResult {
	return in.handle(ctx, FamilyMeta, settingID, body, header)
}

// VerifyMeta answers the Meta subscription handshake. It returns the
// challenge and true only for an active Meta setting whose verify token
// matches.
func (in *Inbox) VerifyMeta(ctx context.Context, settingID, mode, token, challenge string) (string, bool) {
	setting, err := repo.GetSetting(ctx, in.DB, settingID)
	if err != nil || !setting.IsActive || !setting.Channel.IsMeta() {
		return "", false
	}
	return meta.VerifyChallenge(setting, mode, token, challenge)
}

func (in *Inbox) handle(ctx context.Context, family Family, settingID string, body []byte, header http.Header) InboxResult {
	tr := otel.Tracer("services/Inbox")
	ctx, span := tr.Start(ctx, "Handle",
		trace.WithAttributes(
			attribute.String("family", string(family)),
			attribute.String("setting.id", settingID),
		),
	)
	defer span.End()

	lg := log.With().Str("family", string(family)).Str("setting_id", settingID).Logger()
	reject := func(ch, outcome, msg string) InboxResult {
		webhookEvents.WithLabelValues(ch, outcome).Inc()
		lg.Warn().Str("outcome", outcome).Msg(msg)
		return InboxResult{Outcome: outcome}
	}

	setting, err := repo.GetSetting(ctx, in.DB, settingID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return reject(string(family), OutcomeIgnored, "webhook ignored: setting not found")
	case err != nil:
		lg.Error().Err(err).Msg("setting lookup failed")
		return reject(string(family), OutcomeIgnored, "webhook ignored: setting lookup failed")
	case !setting.IsActive:
		return reject(string(family), OutcomeIgnored, "webhook ignored: setting inactive")
	case !family.accepts(setting.Channel):
		return reject(string(family), OutcomeIgnored, "webhook ignored: setting of another channel")
	}
	ch := string(setting.Channel)

	ad, ok := in.Registry.Get(setting.Channel)
	if !ok {
		return reject(ch, OutcomeIgnored, "webhook ignored: no adapter")
	}
	if !ad.Verify(body, header, setting) {
		return reject(ch, OutcomeInvalidSignature, "webhook ignored: invalid signature")
	}
	events, err := ad.Map(body)
	if err != nil {
		return reject(ch, OutcomeMalformed, "webhook ignored: malformed payload")
	}

	if setting.AvatarURL == "" && in.Settings != nil {
		in.wg.Add(1)
		go func() {
			defer in.wg.Done()
			if _, err := in.Settings.EnsureAvatar(context.WithoutCancel(ctx), setting); err != nil {
				lg.Debug().Err(err).Msg("avatar backfill failed")
			}
		}()
	}

	lg.Info().Str("channel", ch).Int("events", len(events)).Msg("webhook received")
	var res InboxResult
	for _, ev := range events {
		outcome, err := in.ingest(ctx, family, setting, ad, ev)
		if err != nil {
			lg.Error().Err(err).Str("provider_event_id", ev.ProviderEventID).Msg("event processing failed")
			outcome = OutcomeFailed
		}
		webhookEvents.WithLabelValues(ch, outcome).Inc()
		switch outcome {
		case OutcomeIngested:
			res.Ingested++
		case OutcomeDuplicate:
			res.Duplicates++
		default:
			res.Failed++
		}
	}
	return res
}

// ingest handles one event. A panic is converted to an error so the rest of
// the batch still runs.
func (in *Inbox) ingest(ctx context.Context, family Family, setting *domain.ChannelSetting, ad channel.Adapter, ev channel.InboundEvent) (outcome string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("event processing panicked")
			outcome, err = OutcomeFailed, nil
		}
	}()

	lg := log.With().
		Str("setting_id", setting.DocumentID).
		Str("channel", string(setting.Channel)).
		Str("provider_event_id", ev.ProviderEventID).
		Logger()

	// Cheap redelivery check before any profile lookup.
	if ev.ProviderEventID != "" {
		_, err := repo.FindMessageByProviderEvent(ctx, in.DB, setting.Channel, setting.DocumentID, ev.ProviderEventID)
		if err == nil {
			lg.Info().Msg("duplicate event skipped")
			return OutcomeDuplicate, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return "", err
		}
	}

	chat, err := in.Resolver.ResolveInbound(ctx, setting, ad, ev)
	if err != nil {
		return "", err
	}

	var metadata map[string]any
	if ev.ProviderEventID != "" {
		metadata = map[string]any{metadataKeys[family]: ev.ProviderEventID}
	}
	msg, created, err := in.Pipeline.Ingest(ctx, Entry{
		Chat:            chat,
		Role:            domain.RoleVisitor,
		Content:         ev.Text,
		ContentType:     "text",
		SenderName:      optString(chat.VisitorName),
		SenderAvatar:    chat.VisitorAvatar,
		ProviderEventID: ev.ProviderEventID,
		Metadata:        metadata,
		ToWorkspace:     family == FamilyMeta,
	})
	if err != nil {
		return "", err
	}
	if !created {
		return OutcomeDuplicate, nil
	}
	lg.Info().Str("chat_id", chat.DocumentID).Str("message_id", msg.DocumentID).Msg("message received")
	return OutcomeIngested, nil
}

// Wait blocks until background avatar backfills finish.
func (in *Inbox) Wait() { in.wg.Wait() }
