package usercontext

// Locals key and the gateway identity headers. The edge gateway
// authenticates the session and forwards the resolved identity; this
// service trusts those headers, it never sees credentials.
const (
	LocalsKey       = "USER_CONTEXT"
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
)
