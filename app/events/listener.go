package events

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/hashicorp/go-multierror"

	"github.com/verchik/tg-moder/app/storage"
	"github.com/verchik/tg-moder/lib/modcheck"
)

// Classifier is the moderation pipeline entry point.
type Classifier interface {
	Check(ctx context.Context, req modcheck.Request) modcheck.Result
}

// ViolationStore records violations and reports running counts.
type ViolationStore interface {
	Record(ctx context.Context, info storage.ViolationInfo) (int, error)
}

// BanStore keeps ban records.
type BanStore interface {
	Ban(ctx context.Context, info storage.BanInfo) error
	IsBanned(ctx context.Context, userID int64) (bool, error)
}

// MessageStore keeps classified messages for audit.
type MessageStore interface {
	Add(ctx context.Context, info storage.MessageInfo) error
}

// TelegramListener listens to tg updates, classifies messages and applies
// the side effects. Not thread safe.
type TelegramListener struct {
	TbAPI       TbAPI
	Classifier  Classifier
	Violations  ViolationStore
	Bans        BanStore
	Messages    MessageStore
	Group       string // can be int64 or public group username (without "@" prefix)
	BanLimit    int    // violations before a ban, default 3
	BanDuration time.Duration
	Dry         bool // log effects instead of applying them

	chatID int64
}

const (
	registryNotice = "Сообщение содержит упоминание лица из ограничительного реестра"
	spamNotice     = "Сообщение удалено как повтор недавнего"
	warnTemplate   = "@%s, предупреждение: %s (нарушение %d из %d)"
	banTemplate    = "@%s заблокирован: превышен лимит нарушений"
)

// Do processes all events, blocking call.
func (l *TelegramListener) Do(ctx context.Context) error {
	log.Printf("[INFO] start telegram listener for %q", l.Group)

	var err error
	if l.chatID, err = l.getChatID(l.Group); err != nil {
		return fmt.Errorf("failed to get chat ID for group %q: %w", l.Group, err)
	}
	if l.BanLimit == 0 {
		l.BanLimit = 3
	}
	if l.BanDuration == 0 {
		l.BanDuration = 24 * time.Hour
	}

	u := tbapi.NewUpdate(0)
	u.Timeout = 60
	updates := l.TbAPI.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("telegram update chan closed")
			}
			if update.Message == nil || update.Message.Chat.ID == 0 {
				continue
			}
			if update.Message.Chat.ID != l.chatID {
				continue
			}
			if err := l.procEvent(ctx, update.Message); err != nil {
				log.Printf("[WARN] failed to process update: %v", err)
			}
		}
	}
}

// procEvent classifies one message and applies the verdict's side effects.
func (l *TelegramListener) procEvent(ctx context.Context, msg *tbapi.Message) error {
	if strings.TrimSpace(msg.Text) == "" {
		return nil // non-text updates are not subject to moderation
	}
	if msg.From == nil {
		return nil
	}

	userID, userName := msg.From.ID, msg.From.UserName

	if l.Bans != nil {
		banned, err := l.Bans.IsBanned(ctx, userID)
		if err != nil {
			log.Printf("[WARN] failed to check ban for user %d: %v", userID, err)
		}
		if banned {
			log.Printf("[INFO] message from banned user %d dropped", userID)
			return l.delete(msg.MessageID)
		}
	}

	req := modcheck.Request{Msg: msg.Text, UserID: strconv.FormatInt(userID, 10), UserName: userName, ChatID: msg.Chat.ID}
	result := l.Classifier.Check(ctx, req)
	log.Printf("[DEBUG] check result for %s: %s, checks: %s", req.String(), result.String(), modcheck.ChecksToString(result.Checks))

	if l.Messages != nil {
		if err := l.Messages.Add(ctx, storage.MessageInfo{ChatID: msg.Chat.ID, UserID: userID, UserName: userName,
			Text: msg.Text, Category: result.Category, Checks: result.Checks}); err != nil {
			log.Printf("[WARN] failed to store message: %v", err)
		}
	}

	switch result.Category {
	case modcheck.CategorySevere:
		return l.handleSevere(ctx, msg, result)
	case modcheck.CategoryMinor:
		return l.handleMinor(ctx, msg, result)
	case modcheck.CategoryRegistry:
		return l.notify(ctx, registryNotice)
	case modcheck.CategorySpam:
		return l.handleSpam(ctx, msg)
	case modcheck.CategoryError:
		log.Printf("[ERROR] classification failed for %s: %s", req.String(), result.Reason)
		return nil
	}
	return nil
}

// handleSevere deletes the message, records the violation and bans the user
// once over the limit.
func (l *TelegramListener) handleSevere(ctx context.Context, msg *tbapi.Message, result modcheck.Result) error {
	errs := new(multierror.Error)
	if err := l.delete(msg.MessageID); err != nil {
		errs = multierror.Append(errs, err)
	}

	count, err := l.record(ctx, msg, result)
	if err != nil {
		errs = multierror.Append(errs, err)
		return errs.ErrorOrNil()
	}

	if count < l.BanLimit {
		if err := l.notify(ctx, fmt.Sprintf(warnTemplate, escapeMarkDownV1Text(msg.From.UserName), result.Reason, count, l.BanLimit)); err != nil {
			errs = multierror.Append(errs, err)
		}
		return errs.ErrorOrNil()
	}

	if l.Dry {
		log.Printf("[INFO] dry run: ban user %d for %v", msg.From.ID, l.BanDuration)
		return errs.ErrorOrNil()
	}
	if err := banUser(l.TbAPI, l.chatID, msg.From.ID, l.BanDuration); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to ban user %d: %w", msg.From.ID, err))
		return errs.ErrorOrNil()
	}
	log.Printf("[INFO] user %d banned after %d violations", msg.From.ID, count)
	if l.Bans != nil {
		if err := l.Bans.Ban(ctx, storage.BanInfo{UserID: msg.From.ID, UserName: msg.From.UserName,
			Reason: result.Reason}); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := l.notify(ctx, fmt.Sprintf(banTemplate, escapeMarkDownV1Text(msg.From.UserName))); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// handleMinor records the violation and warns the user, message stays.
func (l *TelegramListener) handleMinor(ctx context.Context, msg *tbapi.Message, result modcheck.Result) error {
	count, err := l.record(ctx, msg, result)
	if err != nil {
		return err
	}
	return l.notify(ctx, fmt.Sprintf(warnTemplate, escapeMarkDownV1Text(msg.From.UserName), result.Reason, count, l.BanLimit))
}

// handleSpam deletes the near-duplicate and posts a notice.
func (l *TelegramListener) handleSpam(ctx context.Context, msg *tbapi.Message) error {
	errs := new(multierror.Error)
	if err := l.delete(msg.MessageID); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := l.notify(ctx, spamNotice); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

func (l *TelegramListener) record(ctx context.Context, msg *tbapi.Message, result modcheck.Result) (int, error) {
	if l.Violations == nil {
		return 0, nil
	}
	count, err := l.Violations.Record(ctx, storage.ViolationInfo{UserID: msg.From.ID, UserName: msg.From.UserName,
		Category: result.Category, Reason: result.Reason, Msg: msg.Text})
	if err != nil {
		return 0, fmt.Errorf("failed to record violation: %w", err)
	}
	return count, nil
}

func (l *TelegramListener) delete(msgID int) error {
	if l.Dry {
		log.Printf("[INFO] dry run: delete message %d", msgID)
		return nil
	}
	return deleteMessage(l.TbAPI, l.chatID, msgID)
}

func (l *TelegramListener) notify(ctx context.Context, text string) error {
	return send(ctx, tbapi.NewMessage(l.chatID, text), l.TbAPI)
}

// getChatID translates a group name or numeric id into the chat id.
func (l *TelegramListener) getChatID(group string) (int64, error) {
	chatID, err := strconv.ParseInt(group, 10, 64)
	if err == nil {
		return chatID, nil
	}

	chat, err := l.TbAPI.GetChat(tbapi.ChatInfoConfig{
		ChatConfig: tbapi.ChatConfig{SuperGroupUsername: "@" + group},
	})
	if err != nil {
		return 0, fmt.Errorf("can't get chat for %s: %w", group, err)
	}
	return chat.ID, nil
}
