//go:build amd64 || arm64 || loong64 || ppc64 || ppc64le || riscv64 || s390x || mips64 || mips64le

package mmap

// MaxSize is the largest file Map accepts.
const MaxSize = 0x8000000000 // 512GB
