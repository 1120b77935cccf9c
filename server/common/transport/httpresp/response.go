package httpresp

const (
	ErrUnauthorized       = "unauthorized"
	ErrInvalidCredentials = "invalid credentials"
	ErrMissingBearerToken = "bearer token is required"
	ErrInvalidToken       = "invalid token"
	ErrForbidden          = "forbidden"
	ErrNotFound           = "not found"
	ErrStorageUnavailable = "storage unavailable"
	ErrInternal           = "internal error"
	ErrUserExists         = "user already exists"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type ItemsResponse[T any] struct {
	Items []T `json:"items"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
}

func NewErrorResponse(message string) ErrorResponse {
	return ErrorResponse{Error: message}
}

func NewOKResponse() OKResponse {
	return OKResponse{OK: true}
}

func NewItemsResponse[T any](items []T) ItemsResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ItemsResponse[T]{Items: items}
}

func NewTokenResponse(accessToken string, userID string) TokenResponse {
	return TokenResponse{AccessToken: accessToken, UserID: userID}
}
