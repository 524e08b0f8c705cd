package defs

// Syscall numbers. This is exactly the source's set (spec.md §6): the
// trap frame's syscall-number register carries one of these.
const (
	SYS_REBOOT  = 1
	SYS_TIME    = 2
	SYS_SBRK    = 3
	SYS_OPEN    = 4
	SYS_WRITE   = 5
	SYS_READ    = 6
	SYS_CLOSE   = 7
	SYS_LSEEK   = 8
	SYS_DUP2    = 9
	SYS_CHDIR   = 10
	SYS_GETCWD  = 11
	SYS_REMOVE  = 12
	SYS_GETPID  = 13
	SYS_EXIT    = 14
	SYS_WAITPID = 15
	SYS_FORK    = 16
	SYS_EXECV   = 17
)

// Open flags (O_RDONLY etc. pass through the mode field of FileHandle).
const (
	O_RDONLY = 0x0
	O_WRONLY = 0x1
	O_RDWR   = 0x2
	O_CREAT  = 0x4
	O_EXCL   = 0x8
	O_TRUNC  = 0x10
	O_APPEND = 0x20
)

// Seek whence values.
const (
	SEEK_SET = 0
	SEEK_CUR = 1
	SEEK_END = 2
)

// waitpid options. Only 0 is accepted (spec.md §4.5).
const WAIT_ANY = 0

// ARG_MAX bounds the total size of an execv argv block, padded entries
// included (spec.md §4.5 "execv" step 2, §9 "argument marshalling").
const ARG_MAX = 64 * 1024

// PATH_MAX bounds a single copied-in path or argument string (spec.md §8
// "Round-trip and laws").
const PATH_MAX = 1024
