package usercontext

// Shared Locals/session keys used across controllers and middlewares
const (
	KeyUserID    = "user_id"
	KeyUserEmail = "user_email"
	KeyUserName  = "user_name"
	KeyLoggedIn  = "logged_in"
	KeyUserTier  = "user_tier"
)
