package iostack

import "os"

// OpenFlag is the 64-bit open flag word. The low 32 bits carry kernel open
// flags (os.O_RDONLY and friends); the upper 32 bits select the stack shape
// and the lifecycle behavior of the handle.
type OpenFlag uint64

// Kernel flags, mirrored from the os package.
const (
	ReadOnly  OpenFlag = OpenFlag(os.O_RDONLY)
	WriteOnly OpenFlag = OpenFlag(os.O_WRONLY)
	ReadWrite OpenFlag = OpenFlag(os.O_RDWR)
	Create    OpenFlag = OpenFlag(os.O_CREATE)
	Truncate  OpenFlag = OpenFlag(os.O_TRUNC)
	Exclusive OpenFlag = OpenFlag(os.O_EXCL)
	Append    OpenFlag = OpenFlag(os.O_APPEND)
)

// Stack selection bits. StackDefault opens the raw bottom layer alone.
const (
	StackDefault     OpenFlag = 0
	StackRaw         OpenFlag = 1 << 32
	StackPlain       OpenFlag = 2 << 32
	StackEncrypt     OpenFlag = 3 << 32 // buffered over AEAD, ephemeral key
	StackEncryptPerm OpenFlag = 4 << 32 // buffered over AEAD, configured key
	StackCompress    OpenFlag = 5 << 32 // buffered over lz4 over encrypted data and index
	StackTest        OpenFlag = 6 << 32 // caller-installed prototype
	StackPaged       OpenFlag = 7 << 32 // page-framed over the raw layer
	StackMask        OpenFlag = 0xF << 32
)

// Lifecycle bits.
const (
	CloseAtTxnEnd OpenFlag = 1 << 36 // register with the resource owner
	DeleteOnClose OpenFlag = 1 << 37
	TempFileLimit OpenFlag = 1 << 38 // enforce the configured temp-file quota
	Transient     OpenFlag = 1 << 39
	TextMode      OpenFlag = 1 << 40
)

// KernelFlags returns the low 32 bits in the form expected by OpenFile.
// The Append bit is stripped: append semantics are emulated above the
// stack by redirecting writes to the current end of file.
func (f OpenFlag) KernelFlags() int {
	return int(f&0xFFFFFFFF) &^ os.O_APPEND
}

// Stack returns the stack-selection bits.
func (f OpenFlag) Stack() OpenFlag {
	return f & StackMask
}

// Writable reports whether the flags request write access.
func (f OpenFlag) Writable() bool {
	acc := f & OpenFlag(os.O_RDONLY|os.O_WRONLY|os.O_RDWR)
	return acc != ReadOnly
}

func (f OpenFlag) String() string {
	switch f.Stack() {
	case StackRaw, StackDefault:
		return "raw"
	case StackPlain:
		return "plain"
	case StackEncrypt:
		return "encrypt"
	case StackEncryptPerm:
		return "encrypt-perm"
	case StackCompress:
		return "compress"
	case StackTest:
		return "test"
	case StackPaged:
		return "paged"
	default:
		return "unknown"
	}
}
