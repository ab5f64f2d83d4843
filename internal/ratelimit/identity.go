package ratelimit

import (
	"strconv"
	"strings"
)

// Identity 限流對象；UserID 優先，沒有時退回 client IP
type Identity struct {
	UserID    int64
	ClientIP  string
	Interface string
}

// ResolveIdentity 從請求中明確的使用者 id 或來源 IP 推導限流身分
func ResolveIdentity(explicitUserID int64, clientIP string) Identity {
	return Identity{
		UserID:   explicitUserID,
		ClientIP: strings.TrimSpace(clientIP),
	}
}

// Key 使用者層級的限流 key
func (i Identity) Key() string {
	switch {
	case i.UserID > 0:
		return "user:" + strconv.FormatInt(i.UserID, 10)
	case i.ClientIP != "":
		return "ip:" + i.ClientIP
	default:
		return "anonymous"
	}
}
