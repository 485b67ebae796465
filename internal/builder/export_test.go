package builder

// Locks returns the number of environments with a held or awaited lock.
func (b *Builder) Locks() int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return len(b.locks)
}
