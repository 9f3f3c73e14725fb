package shared

import "fmt"

// IntegrityLockKey builds the redis key held while an integrity run covers scope.
func IntegrityLockKey(scope string) string {
	return fmt.Sprintf("netting:integrity:%s:lock", scope)
}
