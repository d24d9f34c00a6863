package queue

const maxLastErrorLen = 1024

// truncateString caps stored error text. The cut never splits a UTF-8
// sequence.
func truncateString(value string, maxLen int) string {
	if maxLen <= 0 || len(value) <= maxLen {
		return value
	}
	cut := maxLen
	for cut > 0 && !isRuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
