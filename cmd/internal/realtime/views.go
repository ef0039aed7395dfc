package realtime

import (
	"courier/cmd/identity"
	v1 "courier/shared/contracts/chat/v1"
)

// UserView converts a user to its wire shape.
func UserView(u identity.User) v1.User {
	return v1.User{ID: u.ID, Username: u.Username}
}

// UsersView converts users to their wire shape.
func UsersView(users []identity.User) []v1.User {
	out := make([]v1.User, 0, len(users))
	for _, u := range users {
		out = append(out, UserView(u))
	}
	return out
}

// MessageView converts a Message to its wire shape.
func MessageView(m Message) v1.Message {
	return v1.Message{
		ID:        m.ID,
		From:      UserView(m.From),
		To:        UserView(m.To),
		Text:      m.Text,
		CreatedAt: m.CreatedAt,
	}
}

// DialogChunkView converts a dialog page to its wire shape.
func DialogChunkView(page DialogPage) v1.DialogChunk {
	msgs := make([]v1.DialogMessage, 0, len(page.Messages))
	for _, m := range page.Messages {
		msgs = append(msgs, v1.DialogMessage{Seq: m.Seq, Message: MessageView(m.Message)})
	}
	return v1.DialogChunk{WithUser: UserView(page.WithUser), Messages: msgs, HasMore: page.HasMore}
}

// DialogsView converts dialogs to their wire shape.
func DialogsView(dialogs []Dialog) []v1.Dialog {
	out := make([]v1.Dialog, 0, len(dialogs))
	for _, d := range dialogs {
		out = append(out, v1.Dialog{User: UserView(d.User), WithUser: UserView(d.WithUser)})
	}
	return out
}
