//go:build !linux

package edge

func diskSpace(path string) (total uint64, free uint64, ok bool) {
	return 0, 0, false
}
