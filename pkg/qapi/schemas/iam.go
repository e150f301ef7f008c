package schemas

type Principal struct {
	Subject   string `json:"subject" doc:"Who the token was issued to"`
	Pipeline  string `json:"pipeline,omitempty" doc:"Pipeline the token is scoped to; empty means any"`
	ExpiresAt string `json:"expires_at" doc:"Token expiry (RFC 3339)"`
}

type MeResponse struct {
	Body struct {
		Principal Principal `json:"principal"`
	}
}
