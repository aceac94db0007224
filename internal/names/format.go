package names

// FormatAddress shortens an address for display: first six characters,
// "...", last four.
func FormatAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
