package realtime

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory is a DirectoryStore over the users, groups and
// group_members tables. The pool is owned by the caller.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

func NewPostgresDirectory(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresDirectory, error) {
	if pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	o, err := applyPGOptions(opts)
	if err != nil {
		return nil, err
	}
	return &PostgresDirectory{pool: pool, schema: o.schema}, nil
}

func (s *PostgresDirectory) t(name string) string { return pgIdent(s.schema, name) }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func likePattern(keyword string) string {
	kw := strings.TrimSpace(keyword)
	if kw == "" {
		return "%"
	}
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(kw) + "%"
}

func (s *PostgresDirectory) CreateUser(ctx context.Context, u UserRecord) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO `+s.t("users")+` (uid, name) VALUES ($1, $2)`, u.UID, u.Name)
	if isUniqueViolation(err) {
		return ErrUserExists
	}
	return err
}

func (s *PostgresDirectory) GetUser(ctx context.Context, uid string) (UserRecord, error) {
	var u UserRecord
	err := s.pool.QueryRow(ctx,
		`SELECT uid, name, created_at FROM `+s.t("users")+` WHERE uid = $1`, uid,
	).Scan(&u.UID, &u.Name, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserRecord{}, ErrUserNotFound
	}
	return u, err
}

func (s *PostgresDirectory) ListUsers(ctx context.Context, keyword string, limit int) ([]UserRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT uid, name, created_at FROM `+s.t("users")+`
		  WHERE name ILIKE $1 OR uid ILIKE $1
		  ORDER BY name, uid
		  LIMIT $2`,
		likePattern(keyword), clampDirectoryLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (UserRecord, error) {
		var u UserRecord
		err := row.Scan(&u.UID, &u.Name, &u.CreatedAt)
		return u, err
	})
}

func (s *PostgresDirectory) CreateGroup(ctx context.Context, g GroupRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var hash *string
	if g.PasswordHash != "" {
		hash = &g.PasswordHash
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO `+s.t("groups")+` (guid, name, type, password_hash, owner_uid) VALUES ($1, $2, $3, $4, $5)`,
		g.GUID, g.Name, g.Type, hash, g.OwnerUID)
	switch {
	case isUniqueViolation(err):
		return ErrGroupExists
	case isForeignKeyViolation(err):
		return ErrUserNotFound
	case err != nil:
		return err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.t("group_members")+` (guid, uid, scope) VALUES ($1, $2, 'admin')`,
		g.GUID, g.OwnerUID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const groupColumns = `g.guid, g.name, g.type, coalesce(g.password_hash, ''), g.owner_uid, g.created_at,
	(SELECT count(*) FROM %M m WHERE m.guid = g.guid)`

func (s *PostgresDirectory) groupSelect() string {
	return `SELECT ` + strings.ReplaceAll(groupColumns, "%M", s.t("group_members")) + ` FROM ` + s.t("groups") + ` g`
}

func scanGroup(row pgx.Row) (GroupRecord, error) {
	var (
		g     GroupRecord
		count int64
	)
	err := row.Scan(&g.GUID, &g.Name, &g.Type, &g.PasswordHash, &g.OwnerUID, &g.CreatedAt, &count)
	g.MemberCount = int(count)
	return g, err
}

func (s *PostgresDirectory) GetGroup(ctx context.Context, guid string) (GroupRecord, error) {
	g, err := scanGroup(s.pool.QueryRow(ctx, s.groupSelect()+` WHERE g.guid = $1`, guid))
	if errors.Is(err, pgx.ErrNoRows) {
		return GroupRecord{}, ErrGroupNotFound
	}
	return g, err
}

func (s *PostgresDirectory) ListGroups(ctx context.Context, keyword string, limit int) ([]GroupRecord, error) {
	rows, err := s.pool.Query(ctx,
		s.groupSelect()+` WHERE g.name ILIKE $1 OR g.guid ILIKE $1 ORDER BY g.name, g.guid LIMIT $2`,
		likePattern(keyword), clampDirectoryLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (GroupRecord, error) {
		return scanGroup(row)
	})
}

func (s *PostgresDirectory) AddMember(ctx context.Context, guid, uid string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.t("group_members")+` (guid, uid) VALUES ($1, $2) ON CONFLICT (guid, uid) DO NOTHING`,
		guid, uid)
	if isForeignKeyViolation(err) {
		if _, gerr := s.GetGroup(ctx, guid); errors.Is(gerr, ErrGroupNotFound) {
			return false, ErrGroupNotFound
		}
		return false, ErrUserNotFound
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// IsMember checks whether uid belongs to guid.
func (s *PostgresDirectory) IsMember(ctx context.Context, uid, guid string) (bool, error) {
	uid = strings.TrimSpace(uid)
	guid = strings.TrimSpace(guid)
	if uid == "" || guid == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+s.t("group_members")+` WHERE guid = $1 AND uid = $2`, guid, uid,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresDirectory) GroupsOf(ctx context.Context, uid string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT guid FROM `+s.t("group_members")+` WHERE uid = $1 ORDER BY guid`, uid)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresDirectory) Members(ctx context.Context, guid string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT uid FROM `+s.t("group_members")+` WHERE guid = $1 ORDER BY uid`, guid)
	if err != nil {
		return nil, err
	}
	uids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		if _, err := s.GetGroup(ctx, guid); err != nil {
			return nil, err
		}
	}
	return uids, nil
}
