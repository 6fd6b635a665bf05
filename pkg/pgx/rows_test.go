package pgx

import (
	"math/big"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
)

func TestJSONValue(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, id.String(), jsonValue([16]byte(id)))

	assert.Equal(t, 12.5, jsonValue(pgtype.Numeric{Int: big.NewInt(125), Exp: -1, Valid: true}))
	assert.Nil(t, jsonValue(pgtype.Numeric{}))

	assert.Equal(t, "Baron", jsonValue("Baron"))
	assert.Equal(t, int32(3), jsonValue(int32(3)))
}
