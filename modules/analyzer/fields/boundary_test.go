package fields

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainsTokenWithBoundary_ASCIIUsesWordBoundary(t *testing.T) {
	assert.True(t, ContainsTokenWithBoundary("field name=email", "email"))
	assert.False(t, ContainsTokenWithBoundary("fieldname=emailing", "email"))
}

func TestContainsTokenWithBoundary_CJKCompoundMatches(t *testing.T) {
	assert.True(t, ContainsTokenWithBoundary("ご担当者氏名", "氏名"))
	assert.True(t, ContainsTokenWithBoundary("お名前をご記入ください", "お名前"))
}

func TestContainsTokenWithBoundary_SingleCharGuardBlocksUnsafeMatch(t *testing.T) {
	assert.False(t, ContainsTokenWithBoundary("マンション名", "名"))
	assert.False(t, ContainsTokenWithBoundary("商品名を入力", "名"))
}

func TestContainsTokenWithBoundary_SingleCharGuardAllowsPersonalCompound(t *testing.T) {
	assert.True(t, ContainsTokenWithBoundary("姓名をご記入ください", "名"))
	assert.True(t, ContainsTokenWithBoundary("姓名", "姓"))
}

func TestContainsTokenWithBoundary_EmptyInputsNeverMatch(t *testing.T) {
	assert.False(t, ContainsTokenWithBoundary("", "名"))
	assert.False(t, ContainsTokenWithBoundary("何か", ""))
}
