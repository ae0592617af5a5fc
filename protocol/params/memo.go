package params

// Transaction memo limits shared by consensus and wallet code.
const (
	// MemoMaxLen is the max plaintext memo length in bytes. Memos are public.
	MemoMaxLen = 256
)
