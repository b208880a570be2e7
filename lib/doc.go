// Package lib provide useful functions and features that are not
// particularly tied up with the memory allocator. They are meant
// to be small, self-contained and shall not depend on anything
// other than the standard library.
package lib
