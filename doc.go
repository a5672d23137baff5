// Package auth provides stateless token authentication for fiber apps:
// short lived access tokens, single use refresh tokens and the login
// bridges that mint them.
//
// Tokens:
//   - TokenService signs HS512 JWTs with a SigningKey decoded once at
//     startup. Access tokens carry the username in the "name" claim,
//     refresh tokens carry no identity and are only meaningful while a
//     UserStore holds them against a user.
//   - Both travel as "Bearer <token>" in configurable headers, by default
//     Authorization and Authorization-refresh.
//
// Rotation:
//   - UserStore.RotateRefreshToken is a compare and swap. Presenting the
//     same refresh token twice, or concurrently, yields at most one new
//     pair. The jwtware package runs rotation and access authentication
//     on every request.
//
// Logins:
//   - LoginHandler verifies a JSON username/password submission through a
//     CredentialVerifier and answers with a pair. The social package does
//     the same for OAuth2 providers, provisioning "<provider>_<subject>"
//     users on first login.
//
// Activity sinks:
//   - ActivitySink is a best effort audit emitter for login, refresh and
//     federated events. Errors are logged and never fail a request.
package auth
