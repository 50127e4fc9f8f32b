// Package convert maps domain values to the Struct messages carried by the
// gophauth.v1.Auth gRPC service and back.
package convert

import (
	"fmt"
	"math"

	u "github.com/gofrs/uuid/v5"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/goph-auth/internal/errs"
	model "github.com/and161185/goph-auth/internal/model"
)

// --- field access ---

// Str returns the string field key, or "" when absent or of another kind.
func Str(s *structpb.Struct, key string) string {
	if v, ok := s.GetFields()[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

// Int returns the integral number field key. Absent fields read as 0.
func Int(s *structpb.Struct, key string) (int64, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, nil
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum {
		return 0, fmt.Errorf("%s: not a number: %w", key, errs.ErrInvalidInput)
	}
	if n.NumberValue != math.Trunc(n.NumberValue) || math.Abs(n.NumberValue) > 1<<53 {
		return 0, fmt.Errorf("%s: not an integer: %w", key, errs.ErrInvalidInput)
	}
	return int64(n.NumberValue), nil
}

// UUID parses the string field key.
func UUID(s *structpb.Struct, key string) (u.UUID, error) {
	id, err := u.FromString(Str(s, key))
	if err != nil {
		return u.Nil, fmt.Errorf("%s: %w", key, errs.ErrInvalidInput)
	}
	return id, nil
}

// Map returns the Struct as plain values.
func Map(s *structpb.Struct) map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return s.AsMap()
}

// New builds a Struct from plain values. It panics on unsupported kinds,
// which only the code in this package produces.
func New(m map[string]any) *structpb.Struct {
	s, err := structpb.NewStruct(m)
	if err != nil {
		panic(fmt.Sprintf("convert: %v", err))
	}
	return s
}

// --- requests ---

// CredentialsRequest carries a name and password.
func CredentialsRequest(name, password string) *structpb.Struct {
	return New(map[string]any{"name": name, "password": password})
}

// TokenRequest carries a signed token.
func TokenRequest(token string) *structpb.Struct {
	return New(map[string]any{"token": token})
}

// UserRefRequest selects a user by name or uid.
func UserRefRequest(name string, uid int64) *structpb.Struct {
	return New(map[string]any{"name": name, "uid": uid})
}

// UIDRequest carries a uid.
func UIDRequest(uid int64) *structpb.Struct {
	return New(map[string]any{"uid": uid})
}

// JTIRequest carries a token id.
func JTIRequest(jti u.UUID) *structpb.Struct {
	return New(map[string]any{"jti": jti.String()})
}

// --- IssuedToken ---

// ToProtoIssuedToken encodes a freshly issued token.
func ToProtoIssuedToken(t model.IssuedToken) *structpb.Struct {
	return New(map[string]any{
		"jti":        t.JTI.String(),
		"uid":        t.UID,
		"token":      t.Token,
		"issued_at":  t.IssuedAt,
		"expires_at": t.ExpiresAt,
	})
}

// FromProtoIssuedToken decodes an issued token.
func FromProtoIssuedToken(s *structpb.Struct) (model.IssuedToken, error) {
	var (
		out model.IssuedToken
		err error
	)
	if out.JTI, err = UUID(s, "jti"); err != nil {
		return out, err
	}
	if out.UID, err = Int(s, "uid"); err != nil {
		return out, err
	}
	if out.IssuedAt, err = Int(s, "issued_at"); err != nil {
		return out, err
	}
	if out.ExpiresAt, err = Int(s, "expires_at"); err != nil {
		return out, err
	}
	out.Token = Str(s, "token")
	return out, nil
}

// --- Session ---

// ToProtoSession encodes a verification outcome.
func ToProtoSession(v model.Session) *structpb.Struct {
	m := map[string]any{"valid": v.Valid, "reason": v.Reason}
	if v.UID != 0 {
		m["uid"] = v.UID
		m["jti"] = v.JTI.String()
		m["issued_at"] = v.IssuedAt
		m["expires_at"] = v.ExpiresAt
	}
	return New(m)
}

// FromProtoSession decodes a verification outcome.
func FromProtoSession(s *structpb.Struct) (model.Session, error) {
	out := model.Session{
		Valid:  s.GetFields()["valid"].GetBoolValue(),
		Reason: Str(s, "reason"),
	}
	var err error
	if out.UID, err = Int(s, "uid"); err != nil {
		return out, err
	}
	if out.UID == 0 {
		return out, nil
	}
	if out.JTI, err = UUID(s, "jti"); err != nil {
		return out, err
	}
	if out.IssuedAt, err = Int(s, "issued_at"); err != nil {
		return out, err
	}
	out.ExpiresAt, err = Int(s, "expires_at")
	return out, err
}

// --- Token ledger row ---

// ToProtoToken encodes a ledger row.
func ToProtoToken(t model.Token) *structpb.Struct {
	m := map[string]any{
		"jti":                 t.JTI.String(),
		"uid":                 t.UID,
		"created_at":          t.CreatedAt,
		"created_at_timezone": t.TZOffset,
		"expires_at":          t.ExpiresAt,
		"signed_value":        t.SignedValue,
		"is_revoked":          t.Revoked,
		"revoked_at":          nil,
	}
	if t.RevokedAt != nil {
		m["revoked_at"] = *t.RevokedAt
	}
	return New(m)
}

// FromProtoToken decodes a ledger row.
func FromProtoToken(s *structpb.Struct) (model.Token, error) {
	var (
		out model.Token
		err error
	)
	if out.JTI, err = UUID(s, "jti"); err != nil {
		return out, err
	}
	if out.UID, err = Int(s, "uid"); err != nil {
		return out, err
	}
	if out.CreatedAt, err = Int(s, "created_at"); err != nil {
		return out, err
	}
	tz, err := Int(s, "created_at_timezone")
	if err != nil {
		return out, err
	}
	out.TZOffset = int(tz)
	if out.ExpiresAt, err = Int(s, "expires_at"); err != nil {
		return out, err
	}
	out.SignedValue = Str(s, "signed_value")
	out.Revoked = s.GetFields()["is_revoked"].GetBoolValue()
	if _, isNum := s.GetFields()["revoked_at"].GetKind().(*structpb.Value_NumberValue); isNum {
		at, err := Int(s, "revoked_at")
		if err != nil {
			return out, err
		}
		out.RevokedAt = &at
	}
	return out, nil
}

// --- Users ---

// ToProtoUsers encodes the directory listing under "users".
func ToProtoUsers(us []model.UserWithTokens) *structpb.Struct {
	list := make([]any, 0, len(us))
	for _, x := range us {
		ids := make([]any, 0, len(x.TokenIDs))
		for _, id := range x.TokenIDs {
			ids = append(ids, id.String())
		}
		list = append(list, map[string]any{
			"uid":           x.UID,
			"name":          x.Name,
			"password_hash": x.PasswordHash,
			"token_ids":     ids,
		})
	}
	return New(map[string]any{"users": list})
}

// FromProtoUsers decodes the directory listing.
func FromProtoUsers(s *structpb.Struct) ([]model.UserWithTokens, error) {
	vals := s.GetFields()["users"].GetListValue().GetValues()
	out := make([]model.UserWithTokens, 0, len(vals))
	for i, v := range vals {
		row := v.GetStructValue()
		if row == nil {
			return nil, fmt.Errorf("users[%d]: %w", i, errs.ErrInvalidInput)
		}
		uid, err := Int(row, "uid")
		if err != nil {
			return nil, fmt.Errorf("users[%d]: %w", i, err)
		}
		x := model.UserWithTokens{
			User:     model.User{UID: uid, Name: Str(row, "name"), PasswordHash: Str(row, "password_hash")},
			TokenIDs: []u.UUID{},
		}
		for _, id := range row.GetFields()["token_ids"].GetListValue().GetValues() {
			jti, err := u.FromString(id.GetStringValue())
			if err != nil {
				return nil, fmt.Errorf("users[%d]: token id: %w", i, errs.ErrInvalidInput)
			}
			x.TokenIDs = append(x.TokenIDs, jti)
		}
		out = append(out, x)
	}
	return out, nil
}

// UserMap is the JSON-friendly view of a listing row.
func UserMap(x model.UserWithTokens) map[string]any {
	ids := make([]string, 0, len(x.TokenIDs))
	for _, id := range x.TokenIDs {
		ids = append(ids, id.String())
	}
	return map[string]any{
		"uid":           x.UID,
		"name":          x.Name,
		"password_hash": x.PasswordHash,
		"token_ids":     ids,
	}
}
