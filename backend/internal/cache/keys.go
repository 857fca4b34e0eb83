package cache

import "fmt"

// 键语义：
// - presenceKey(draftID):  草稿在线会话（ZSet<sessionId, expireAtUnix>，score=expireAt）
// - namesKey(draftID):     sessionId→成员信息（Hash，值为 JSON）
// - draftsKey():           有人在线的草稿索引（Set<draftID>）
// - ownerKey(draftID):     协调该草稿的节点（String，带 PX 过期）
// - artifactKey(id):       已发布 Artifact 的只读缓存
//
// {draftID} 作为 hash tag，保证同一草稿的 key 落在同一个 slot，Lua 脚本可以跨 key 操作。

const (
	keyPresenceFmt = "draft:presence:{%s}"       // ZSet<sessionId, expireAtUnix>
	keyNamesFmt    = "draft:presence:names:{%s}" // Hash<sessionId -> json>
	keyDraftsSet   = "draft:presence:drafts"     // Set<draftID>
	keyOwnerFmt    = "draft:owner:{%s}"          // String<nodeID>
	keyArtifactFmt = "draft:artifact:{%s}"       // String<json>
)

func presenceKey(draftID string) string { return fmt.Sprintf(keyPresenceFmt, draftID) }
func namesKey(draftID string) string    { return fmt.Sprintf(keyNamesFmt, draftID) }
func draftsKey() string                 { return keyDraftsSet }
func ownerKey(draftID string) string    { return fmt.Sprintf(keyOwnerFmt, draftID) }
func artifactKey(id string) string      { return fmt.Sprintf(keyArtifactFmt, id) }
