// Package events provides the telegram event loop: it receives chat updates,
// runs messages through the moderation detector and applies the side effects
// the verdict calls for (deletions, warnings, bans).
package events

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/go-pkgz/repeater"
)

// TbAPI is an interface for telegram bot API, only subset of methods used
type TbAPI interface {
	GetUpdatesChan(config tbapi.UpdateConfig) tbapi.UpdatesChannel
	Send(c tbapi.Chattable) (tbapi.Message, error)
	Request(c tbapi.Chattable) (*tbapi.APIResponse, error)
	GetChat(config tbapi.ChatInfoConfig) (tbapi.ChatFullInfo, error)
}

func escapeMarkDownV1Text(text string) string {
	escSymbols := []string{"_", "*", "`", "["}
	for _, esc := range escSymbols {
		text = strings.ReplaceAll(text, esc, "\\"+esc)
	}
	return text
}

// send delivers a message to telegram as markdown first and as plain text if
// that fails, retrying transient errors.
func send(ctx context.Context, tbMsg tbapi.MessageConfig, tbAPI TbAPI) error {
	sendOnce := func() error {
		tbMsg.ParseMode = tbapi.ModeMarkdown
		tbMsg.LinkPreviewOptions = tbapi.LinkPreviewOptions{IsDisabled: true}
		if _, err := tbAPI.Send(tbMsg); err != nil {
			log.Printf("[WARN] failed to send message as markdown, %v", err)
			tbMsg.ParseMode = ""
			if _, err := tbAPI.Send(tbMsg); err != nil {
				return fmt.Errorf("can't send message to telegram: %w", err)
			}
		}
		return nil
	}
	return repeater.NewDefault(3, 50*time.Millisecond).Do(ctx, sendOnce)
}

// deleteMessage removes a message from the chat.
func deleteMessage(tbAPI TbAPI, chatID int64, msgID int) error {
	_, err := tbAPI.Request(tbapi.DeleteMessageConfig{
		BaseChatMessage: tbapi.BaseChatMessage{
			ChatConfig: tbapi.ChatConfig{ChatID: chatID},
			MessageID:  msgID,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete message %d: %w", msgID, err)
	}
	return nil
}

// banUser bans the user in the chat for the given duration.
// The bot must be an administrator with the appropriate rights.
func banUser(tbAPI TbAPI, chatID, userID int64, duration time.Duration) error {
	// users restricted for less than 30 seconds are banned forever per the
	// bot API, keep the duration clear of that window
	if duration < 30*time.Second {
		duration = 1 * time.Minute
	}
	resp, err := tbAPI.Request(tbapi.BanChatMemberConfig{
		ChatMemberConfig: tbapi.ChatMemberConfig{
			ChatConfig: tbapi.ChatConfig{ChatID: chatID},
			UserID:     userID,
		},
		UntilDate: time.Now().Add(duration).Unix(),
	})
	if err != nil {
		return err
	}
	if !resp.Ok {
		return fmt.Errorf("response is not Ok: %v", string(resp.Result))
	}
	return nil
}
