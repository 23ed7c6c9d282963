package mds

import (
	"strconv"

	"github.com/ulysseses/nvwal/nvmfile"
)

func ensureDir(dir string) error {
	return nvmfile.EnsureDir(dir)
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
