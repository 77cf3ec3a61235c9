// Package auth provides approval-token verification for decision gates.
//
// # Approval Tokens
//
// When a workflow pauses at a decision gate, the operator resolving it may be
// required to present a signed credential. Tokens are JWTs signed with HS256
// using the configured approval.jwt_secret:
//
//	v := auth.NewJWTVerifier(secret)
//	approver, err := v.Verify(tokenString)
//
// Verify returns the approver identity from the "sub" claim. A rejected token
// leaves the decision gate pending; it never resolves a gate in either
// direction.
//
// # Token Generation
//
// Operators mint tokens with the token subcommand, which calls:
//
//	token, err := v.Generate("approver:alice", time.Hour)
//
// Generated tokens carry:
//   - sub: approver identity, echoed into the decision record
//   - iat: issue time
//   - exp: expiry
//
// # Disabling Verification
//
// When approval.jwt_secret is empty, no verifier is constructed and approval
// commands are accepted without a token. Intended for development only.
package auth
