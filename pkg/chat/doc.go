// Package chat implements the session engine behind the LuChat client UI.
//
// Ownership model:
//   - The UI layer owns widgets and input handling; it talks to a single Engine.
//   - Engine owns one transport connection, one ConversationStore, one presence
//     Registry and at most one in-flight upload.
//   - All inbound frames are demultiplexed by a Codec bound to the local
//     identity: the shared public stream, presence announcements, and direct
//     streams keyed by the sender's user id.
//
// UI-facing events (new message, presence, connection state, upload progress)
// are published on an in-process watermill pub/sub; subscribe via Engine.Events.
package chat
