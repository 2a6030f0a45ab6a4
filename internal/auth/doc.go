// Package auth provides session identity for droid-gateway.
//
// # Session Tokens
//
// Sessions are HS256 JWTs signed with the configured jwt_secret. The "sub"
// claim is required; "name" and "avatar" feed the displayed identity.
//
//	v := NewJWTVerifier(secret)
//	token, err := v.Generate(Claims{Subject: "user-1", Name: "Ada"}, time.Hour)
//	state := StateFromToken(v, token)
//
// # Auth State
//
// State is the value broadcast on the "auth" topic and mirrored on the
// main side. Its Tone is one of anon, loading, auth or error.
//
// # gRPC Interceptors
//
// A shared context exposed over gRPC authenticates attach streams with
// StreamInterceptor, which reads "authorization: Bearer <jwt>" from the
// incoming metadata. NoAuthStreamInterceptor injects an anonymous identity
// when no secret is configured. Clients use BearerCredentials.
package auth
