package ml

// SetName labels t in logs and checkpoints when the backend supports it.
func SetName(t Tensor, name string) {
	if n, ok := t.(interface{ SetName(string) }); ok {
		n.SetName(name)
	}
}

// Name returns the label given to t, or "" if it has none.
func Name(t Tensor) string {
	if n, ok := t.(interface{ Name() string }); ok {
		return n.Name()
	}

	return ""
}
