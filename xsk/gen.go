//go:build linux

package xsk

// The default redirect program is loaded from an ELF object at
// runtime (see DefaultObjPath) rather than embedded, so -f can swap
// in any object satisfying the xsks_map contract.

//go:generate clang -O2 -g -Wall -target bpf -c bpf/xsk_redirect.c -o bpf/xsk_redirect.o
