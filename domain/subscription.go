package domain

// Subscription is a live registration with the backing store. Close stops
// delivery; it is safe to call more than once.
type Subscription interface {
	Close() error
}

// MemoSnapshot is one emission of a memo subscription. Memo is nil when the
// record does not exist.
type MemoSnapshot struct {
	Memo *Memo
	Err  error
}

// FolderSnapshot is one emission of a folder query. Folders fully replaces
// the previously delivered list.
type FolderSnapshot struct {
	Folders []Folder
	Err     error
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func() error

func (f SubscriptionFunc) Close() error { return f() }
