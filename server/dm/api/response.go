package api

import (
	"dm_server/server/common/transport/httpresp"
	"dm_server/server/dm/domain"
)

const (
	ErrUnauthorized       = httpresp.ErrUnauthorized
	ErrInvalidCredentials = httpresp.ErrInvalidCredentials
	ErrMissingBearerToken = httpresp.ErrMissingBearerToken
	ErrInvalidToken       = httpresp.ErrInvalidToken
	ErrSinceSeqMustBeInt  = "since_seq must be a non-negative integer"
)

type ErrorResponse = httpresp.ErrorResponse
type OKResponse = httpresp.OKResponse
type TokenResponse = httpresp.TokenResponse
type ItemsResponse[T any] = httpresp.ItemsResponse[T]

type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

type PresenceResponse struct {
	Version uint64                  `json:"version"`
	Users   []domain.PresenceStatus `json:"users"`
}

type SendResponse struct {
	Status    domain.DeliveryStatus `json:"status"`
	MessageID string                `json:"message_id,omitempty"`
	Message   *domain.Message       `json:"message,omitempty"`
}

func NewErrorResponse(message string) ErrorResponse {
	return httpresp.NewErrorResponse(message)
}

func NewItemsResponse[T any](items []T) ItemsResponse[T] {
	return httpresp.NewItemsResponse(items)
}

func NewTokenResponse(accessToken string, userID string) TokenResponse {
	return httpresp.NewTokenResponse(accessToken, userID)
}

func NewHealthResponse(status string, sessions int) HealthResponse {
	return HealthResponse{Status: status, Sessions: sessions}
}

func NewPresenceResponse(version uint64, users []domain.PresenceStatus) PresenceResponse {
	if users == nil {
		users = []domain.PresenceStatus{}
	}
	return PresenceResponse{Version: version, Users: users}
}

func NewSendResponse(result domain.DeliveryResult) SendResponse {
	return SendResponse{Status: result.Status, MessageID: result.MessageID, Message: result.Message}
}
