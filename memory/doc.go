// Package memory provides the short- and long-term memory of a conversation.
//
// Short-term memory (STM) is a bounded read over the persisted message log.
// Long-term memory (LTM) is a vector index of older turns, namespaced by
// UserID so one user's memory is never visible to another user's queries.
//
// Architecture:
//   - MessageStore: append-only turn log (SQLite)
//   - Embedder: text-to-vector conversion (mock, OpenAI, ONNX), optionally cached
//   - Index: vector storage backend (chromem-go)
//   - STM: last N turns of a conversation, oldest first
//   - Manager: advisory retrieval and recording over Embedder + Index
//   - Writer: bounded background queue that persists and indexes turns
//     after the reply has been sent
//   - Reconciler: scheduled sweep that backfills vectors the writer missed
//
// Integration:
//   - RETRIEVE phase: the engine embeds the new message, reads STM and
//     queries LTM before calling the completion service
//   - RECORD phase: the engine hands both turns to the Writer after the reply
//     is emitted
package memory
