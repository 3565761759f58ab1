package edge

import "syscall"

func diskSpace(path string) (total uint64, free uint64, ok bool) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, 0, false
	}
	return st.Blocks * uint64(st.Frsize), st.Bfree * uint64(st.Frsize), true
}
