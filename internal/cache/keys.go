package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func ExportKey(exportID uuid.UUID) string {
	return fmt.Sprintf("export:%s", exportID)
}

// OwnerExportsKey names the hash holding every cached list page of one owner.
func OwnerExportsKey(userID uuid.UUID) string {
	return fmt.Sprintf("exports:owner:%s", userID)
}

func ListPageField(sceneID, status string, page, limit int) string {
	return fmt.Sprintf("scene=%s;status=%s;page=%d;limit=%d", sceneID, status, page, limit)
}

func RateLimitKey(client string) string {
	return fmt.Sprintf("ratelimit:%s", client)
}
