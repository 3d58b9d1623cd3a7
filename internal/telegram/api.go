package telegram

import "encoding/json"

// IncomingUpdate is the minimal view of an update the workers act on.
// The raw envelope is persisted alongside so it can always be re-parsed.
type IncomingUpdate struct {
	UpdateID        int64
	ChatID          int64
	UserID          int64
	MessageID       int
	Text            string
	CallbackQueryID string
	CallbackData    string
}

// IsCallback reports whether the update is an inline button press.
func (u *IncomingUpdate) IsCallback() bool { return u.CallbackQueryID != "" }

type rawUpdate struct {
	UpdateID *int64 `json:"update_id"`
	Message  *struct {
		MessageID int    `json:"message_id"`
		Text      string `json:"text"`
		Chat      *struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		From *struct {
			ID int64 `json:"id"`
		} `json:"from"`
	} `json:"message"`
	CallbackQuery *struct {
		ID   string `json:"id"`
		Data string `json:"data"`
		From *struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Message *struct {
			MessageID int `json:"message_id"`
			Chat      *struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
	} `json:"callback_query"`
}

// ParseIncoming extracts the actionable fields from a raw update
// envelope. It returns false for envelopes the workers ignore
// (no update_id, or neither a message nor a callback query).
func ParseIncoming(raw []byte) (*IncomingUpdate, bool) {
	var parsed rawUpdate
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.UpdateID == nil {
		return nil, false
	}

	if m := parsed.Message; m != nil && m.Chat != nil && m.From != nil {
		return &IncomingUpdate{
			UpdateID:  *parsed.UpdateID,
			ChatID:    m.Chat.ID,
			UserID:    m.From.ID,
			MessageID: m.MessageID,
			Text:      m.Text,
		}, true
	}

	if cb := parsed.CallbackQuery; cb != nil && cb.ID != "" && cb.From != nil &&
		cb.Message != nil && cb.Message.Chat != nil {
		return &IncomingUpdate{
			UpdateID:        *parsed.UpdateID,
			ChatID:          cb.Message.Chat.ID,
			UserID:          cb.From.ID,
			MessageID:       cb.Message.MessageID,
			CallbackQueryID: cb.ID,
			CallbackData:    cb.Data,
		}, true
	}

	return nil, false
}

// ExtractUpdateID pulls only the update_id, used by the webhook handler
// to reject envelopes that cannot be keyed.
func ExtractUpdateID(raw []byte) (int64, bool) {
	var parsed struct {
		UpdateID *int64 `json:"update_id"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.UpdateID == nil {
		return 0, false
	}
	return *parsed.UpdateID, true
}
