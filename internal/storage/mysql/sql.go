package mysql

// occupyingStatuses is the set of reservation statuses whose allocations
// count against the no-overlap invariant.
const occupyingStatuses = `'hold','confirmed','checked_in','checked_out'`

// Overlap predicate: half-open ranges [checkin, checkout) intersect when
// checkin < otherCheckout AND checkout > otherCheckin.
const availableRoomsSQL = `
SELECT r.id, r.property_id, r.room_type_id, r.label, r.status
FROM rooms r
WHERE r.room_type_id = ? AND r.status = 'active'
  AND NOT EXISTS (
    SELECT 1
    FROM room_allocations a
    JOIN reservations rv ON rv.id = a.reservation_id
    WHERE a.room_id = r.id
      AND a.released = 0
      AND rv.status IN (` + occupyingStatuses + `)
      AND rv.checkin_date < ?
      AND rv.checkout_date > ?
  )
ORDER BY r.label, r.id`

// FOR UPDATE serializes concurrent allocators: both contenders lock the same
// candidate room rows, so the loser re-evaluates after the winner commits.
const lockAvailableRoomsSQL = availableRoomsSQL + `
FOR UPDATE`

const lockRoomSQL = `
SELECT id, property_id, room_type_id, label, status
FROM rooms
WHERE id = ?
FOR UPDATE`

const hasOverlapSQL = `
SELECT COUNT(*)
FROM room_allocations a
JOIN reservations rv ON rv.id = a.reservation_id
WHERE a.room_id = ?
  AND a.released = 0
  AND rv.status IN (` + occupyingStatuses + `)
  AND rv.checkin_date < ?
  AND rv.checkout_date > ?`

const insertAllocationSQL = `
INSERT INTO room_allocations (id, reservation_line_id, reservation_id, room_id, released)
VALUES (?, ?, ?, ?, 0)`

const getAllocationSQL = `
SELECT id, reservation_line_id, reservation_id, room_id, released
FROM room_allocations
WHERE id = ?`

const releaseAllocationSQL = `
UPDATE room_allocations SET released = 1 WHERE id = ?`

const releaseReservationAllocationsSQL = `
UPDATE room_allocations SET released = 1 WHERE reservation_id = ?`

const insertReservationSQL = `
INSERT INTO reservations
  (id, property_id, guest_name, guest_email, guest_phone,
   checkin_date, checkout_date, status, hold_expires_at, reconciliation_note,
   created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const insertLineSQL = `
INSERT INTO reservation_lines
  (id, reservation_id, room_type_id, rate_plan_id, quantity, occupancy,
   nightly_minor, subtotal_minor, total_minor, currency)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const getReservationSQL = `
SELECT id, property_id, guest_name, guest_email, guest_phone,
       checkin_date, checkout_date, status, hold_expires_at,
       reconciliation_note, created_at, updated_at
FROM reservations
WHERE id = ?`

const getReservationForUpdateSQL = getReservationSQL + `
FOR UPDATE`

const getLinesSQL = `
SELECT id, reservation_id, room_type_id, rate_plan_id, quantity, occupancy,
       nightly_minor, subtotal_minor, total_minor, currency
FROM reservation_lines
WHERE reservation_id = ?
ORDER BY id`

// Compare-and-swap on status; 0 rows means somebody else transitioned first.
const updateStatusSQL = `
UPDATE reservations
SET status = ?,
    hold_expires_at = ?,
    reconciliation_note = IF(? = '', reconciliation_note, ?),
    updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND status = ?`

const expireHoldSQL = `
UPDATE reservations
SET status = 'expired', hold_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND status = 'hold' AND hold_expires_at <= ?`

const listExpiredHoldsSQL = `
SELECT id FROM reservations
WHERE status = 'hold' AND hold_expires_at < ?
ORDER BY hold_expires_at
LIMIT ?`

const findPaymentEventSQL = `
SELECT idempotency_key, reservation_id, outcome, recorded_at
FROM payment_events
WHERE idempotency_key = ?`

const insertPaymentEventSQL = `
INSERT INTO payment_events (idempotency_key, reservation_id, outcome, recorded_at)
VALUES (?, ?, ?, ?)`

const getPropertySQL = `
SELECT id, name, timezone, currency, pricing_display_mode, tax_rate_pct, active
FROM properties
WHERE id = ?`

const getRoomTypeSQL = `
SELECT id, property_id, name, max_occupancy, active
FROM room_types
WHERE id = ?`

const getRatePlanSQL = `
SELECT id, property_id, name, pricing_mode, base_rate_plan_id,
       modifier_kind, modifier_value, modifier_rounding,
       visibility, require_login, loyalty_tiers, corporate_accounts,
       promo_code, allow_loyalty_discount, promo_discount_pct, active
FROM rate_plans
WHERE id = ?`

const upsertRatePlanSQL = `
INSERT INTO rate_plans
  (id, property_id, name, pricing_mode, base_rate_plan_id,
   modifier_kind, modifier_value, modifier_rounding,
   visibility, require_login, loyalty_tiers, corporate_accounts,
   promo_code, allow_loyalty_discount, promo_discount_pct, active)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  name                   = VALUES(name),
  pricing_mode           = VALUES(pricing_mode),
  base_rate_plan_id      = VALUES(base_rate_plan_id),
  modifier_kind          = VALUES(modifier_kind),
  modifier_value         = VALUES(modifier_value),
  modifier_rounding      = VALUES(modifier_rounding),
  visibility             = VALUES(visibility),
  require_login          = VALUES(require_login),
  loyalty_tiers          = VALUES(loyalty_tiers),
  corporate_accounts     = VALUES(corporate_accounts),
  promo_code             = VALUES(promo_code),
  allow_loyalty_discount = VALUES(allow_loyalty_discount),
  promo_discount_pct     = VALUES(promo_discount_pct),
  active                 = VALUES(active)`

const upsertPlanOfferingSQL = `
INSERT INTO room_type_rate_plans (room_type_id, rate_plan_id, sort_order, active)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  sort_order = VALUES(sort_order),
  active     = VALUES(active)`

const planOfferedSQL = `
SELECT active FROM room_type_rate_plans
WHERE room_type_id = ? AND rate_plan_id = ?`

const insertNightlyRatesPrefix = `
INSERT INTO nightly_rates
  (property_id, room_type_id, rate_plan_id, rate_date, occupancy, amount_minor)
VALUES `

const insertNightlyRatesOnDup = `
ON DUPLICATE KEY UPDATE amount_minor = VALUES(amount_minor)`

const getNightlyRatesSQL = `
SELECT rate_date, amount_minor
FROM nightly_rates
WHERE property_id = ? AND room_type_id = ? AND rate_plan_id = ?
  AND occupancy = ? AND rate_date >= ? AND rate_date < ?`

// Coalescing upsert: a newer event for the same pending dedupe key replaces
// the stale payload instead of queueing a duplicate send. Sent events have
// their dedupe_key NULLed, freeing the key for future deltas.
const emitOutboxSQL = `
INSERT INTO outbox_events
  (dedupe_key, property_id, room_type_id, rate_plan_id,
   checkin_date, checkout_date, kind, payload, status, attempts,
   next_attempt_at, last_error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, '', ?)
ON DUPLICATE KEY UPDATE
  payload         = VALUES(payload),
  status          = 'pending',
  attempts        = 0,
  next_attempt_at = VALUES(next_attempt_at),
  last_error      = ''`

const listPendingOutboxSQL = `
SELECT id, property_id, room_type_id, rate_plan_id,
       checkin_date, checkout_date, kind, payload, status,
       attempts, next_attempt_at, last_error, created_at
FROM outbox_events
WHERE status = 'pending' AND next_attempt_at <= ?
ORDER BY id
LIMIT ?`

const markRetryOutboxSQL = `
UPDATE outbox_events
SET attempts = ?, next_attempt_at = ?, last_error = ?
WHERE id = ?`

const markFailedOutboxSQL = `
UPDATE outbox_events
SET status = 'failed', last_error = ?
WHERE id = ?`

const getChannelStateSQL = `
SELECT property_id, kind, last_success_at, last_error, last_payload_hash
FROM channel_state
WHERE property_id = ? AND kind = ?`

const upsertChannelStateSQL = `
INSERT INTO channel_state (property_id, kind, last_success_at, last_error, last_payload_hash)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  last_success_at   = COALESCE(VALUES(last_success_at), channel_state.last_success_at),
  last_error        = VALUES(last_error),
  last_payload_hash = IF(VALUES(last_payload_hash) = '', channel_state.last_payload_hash, VALUES(last_payload_hash))`

const insertDeliverySQL = `
INSERT INTO delivery_log (correlation_id, direction, payload, response, status, at)
VALUES (?, ?, ?, ?, ?, ?)`
