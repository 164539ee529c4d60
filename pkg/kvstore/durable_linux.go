//go:build linux

/*
Copyright 2021 The Perkeep Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kvstore

import (
	"os"

	"golang.org/x/sys/unix"
)

// fdatasync flushes data (and only the metadata needed to read it back)
// to stable storage, cheaper than a full os.File.Sync on Linux.
func fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
