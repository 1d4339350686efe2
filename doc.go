// Package textrace is the session and certificate lifecycle core of the
// textile traceability product: who is signed in, and which simulated NFT
// certificates they minted.
//
// Sessions:
//   - SessionManager owns the current Identity. Sign in, sign up, sign out,
//     restore and wallet linking are serialized, and observers registered with
//     Subscribe receive a full SessionSnapshot after every change, in operation
//     order. Provider change events only trigger a re-read of the provider
//     session, so a late event cannot roll the state back.
//   - RestoreSession is bounded by a timeout and degrades to the unknown state
//     instead of hanging.
//
// Certificates:
//   - CertificateManager.Issue validates input and metadata before writing,
//     stores the certificate and its mint transaction as pending in one
//     transaction and returns immediately.
//   - A ConfirmationSource (SimulatedLedger by default) resolves the mint
//     asynchronously. The confirmation re-reads the record by id and is
//     applied through CertificateStateMachine, which only moves pending
//     records, so replays are no-ops.
//   - ExpirePending and StartReconciler fail records whose confirmation was
//     lost, for example because the process exited.
//
// Activity sinks:
//   - ActivitySink is a light-weight audit emitter used by both managers and
//     the state machine. Sinks run best-effort (errors are logged) so you can
//     forward to a database or queue without blocking the lifecycle.
package textrace
