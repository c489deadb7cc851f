package middleware

// Context keys shared by the auth and rate limit middleware
const (
	UserIDKey   = "user_id"
	UserRoleKey = "user_role"
)
