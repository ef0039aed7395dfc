package chatapi

import (
	v1 "courier/shared/contracts/chat/v1"
)

type registerRequest struct {
	Username string `json:"username"`
}

type loginRequest struct {
	Username string `json:"username"`
}

type sendMessageRequest struct {
	ToUserID   int64  `json:"to_user_id,omitempty"`
	ToUsername string `json:"to_username,omitempty"`
	Text       string `json:"text"`
}

type userResponse struct {
	responseBase
	User v1.User `json:"user"`
}

type loginResponse struct {
	responseBase
	User v1.User `json:"user"`
}

type messageResponse struct {
	responseBase
	Message v1.Message `json:"message"`
}

type usersResponse struct {
	responseBase
	Users []v1.User `json:"users"`
}

type dialogsResponse struct {
	responseBase
	Dialogs []v1.Dialog `json:"dialogs"`
}

type dialogMessagesResponse struct {
	responseBase
	v1.DialogChunk
}
