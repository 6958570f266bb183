package user

type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Gender   string `json:"gender,omitempty"`
	Avatar   string `json:"avatar"`
	Password string `json:"-"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Gender   string `json:"gender"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ID          int    `json:"id"`
	Username    string `json:"username"`
	Avatar      string `json:"avatar"`
}
