package proxy

// SetCloseHook installs fn to observe the correlation table when a connection closes.
func SetCloseHook(b *Bridge, fn func(before, after int)) {
	b.closeHook = fn
}
