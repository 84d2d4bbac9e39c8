package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// DecodeItemCursor turns a page cursor back into the offset of the first item.
// An empty cursor is the first page.
func DecodeItemCursor(cursorStr string) (int, error) {
	if cursorStr == "" {
		return 0, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(cursorStr)
	if err != nil {
		return 0, err
	}

	parts := strings.Split(string(decoded), "|")
	if len(parts) != 2 || parts[0] != "offset" {
		return 0, fmt.Errorf("invalid cursor format")
	}

	var offset int
	if _, err := fmt.Sscanf(parts[1], "%d", &offset); err != nil {
		return 0, fmt.Errorf("invalid offset in cursor: %w", err)
	}
	if offset < 0 {
		return 0, fmt.Errorf("invalid offset in cursor: %d", offset)
	}
	return offset, nil
}

func EncodeItemCursor(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("offset|%d", offset)))
}
