// Package chat defines the message record shared by the conversation tree,
// the branch resolver and the conversation log.
//
// Messages reference their parent by id; the sentinel RootID marks a thread
// root. A message id is assigned when the message is created and never
// changes, so callers may hold on to it before the message is persisted.
package chat
