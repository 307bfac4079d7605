package storage

import (
	"fmt"
	"strings"
)

// SnapshotPath returns the object key of a paid order's archived snapshot.
func SnapshotPath(orderNo string) (string, error) {
	segment, err := validateSegment("orderNo", orderNo)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("orders/%s/snapshot.json", segment), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
