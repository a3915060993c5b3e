// Package store persists the grading graph in sqlite: entity tables for
// students, exams, questions, submissions and corrections, and
// relationship tables linking questions to skills and corrections to
// error tags.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mlebrun/mathgrader/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a submission status update would
// violate the state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		student_number TEXT NOT NULL DEFAULT '',
		class_name TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS exams (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT 'math',
		grade_level INTEGER NOT NULL DEFAULT 6,
		duration_minutes INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS questions (
		id TEXT PRIMARY KEY,
		exam_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		text TEXT NOT NULL,
		type TEXT NOT NULL,
		correct_answer TEXT NOT NULL,
		max_points REAL NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (exam_id) REFERENCES exams(id)
	);

	CREATE TABLE IF NOT EXISTS skills (
		name TEXT PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS question_skills (
		question_id TEXT NOT NULL,
		skill_name TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (question_id, skill_name),
		FOREIGN KEY (question_id) REFERENCES questions(id),
		FOREIGN KEY (skill_name) REFERENCES skills(name)
	);

	CREATE TABLE IF NOT EXISTS submissions (
		id TEXT PRIMARY KEY,
		exam_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		raw_text TEXT NOT NULL DEFAULT '',
		submitted_at DATETIME NOT NULL,
		FOREIGN KEY (exam_id) REFERENCES exams(id),
		FOREIGN KEY (student_id) REFERENCES students(id)
	);

	CREATE TABLE IF NOT EXISTS answers (
		id TEXT PRIMARY KEY,
		submission_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		text TEXT NOT NULL,
		FOREIGN KEY (submission_id) REFERENCES submissions(id),
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS corrections (
		id TEXT PRIMARY KEY,
		submission_id TEXT NOT NULL,
		total_score REAL NOT NULL,
		max_score REAL NOT NULL,
		percentage REAL NOT NULL,
		passed INTEGER NOT NULL,
		overall_feedback TEXT NOT NULL DEFAULT '',
		corrected_at DATETIME NOT NULL,
		FOREIGN KEY (submission_id) REFERENCES submissions(id)
	);

	CREATE TABLE IF NOT EXISTS question_corrections (
		id TEXT PRIMARY KEY,
		correction_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		score REAL NOT NULL,
		max_score REAL NOT NULL,
		is_correct INTEGER NOT NULL,
		feedback TEXT NOT NULL DEFAULT '',
		student_answer TEXT NOT NULL DEFAULT '',
		correct_answer TEXT NOT NULL DEFAULT '',
		step_by_step TEXT,
		FOREIGN KEY (correction_id) REFERENCES corrections(id),
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS error_types (
		name TEXT PRIMARY KEY,
		label TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS qc_errors (
		qc_id TEXT NOT NULL,
		error_name TEXT NOT NULL,
		PRIMARY KEY (qc_id, error_name),
		FOREIGN KEY (qc_id) REFERENCES question_corrections(id),
		FOREIGN KEY (error_name) REFERENCES error_types(name)
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_questions_exam ON questions(exam_id, number);
	CREATE INDEX IF NOT EXISTS idx_submissions_exam ON submissions(exam_id);
	CREATE INDEX IF NOT EXISTS idx_submissions_student ON submissions(student_id);
	CREATE INDEX IF NOT EXISTS idx_corrections_submission ON corrections(submission_id, corrected_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateStudent stores a student.
func (s *Store) CreateStudent(st model.Student) error {
	_, err := s.db.Exec(
		`INSERT INTO students (id, name, student_number, class_name, created_at) VALUES (?, ?, ?, ?, ?)`,
		st.ID, st.Name, st.StudentNumber, st.ClassName, st.CreatedAt,
	)
	return err
}

// GetStudent returns a student by ID.
func (s *Store) GetStudent(id string) (model.Student, error) {
	var st model.Student
	err := s.db.QueryRow(
		`SELECT id, name, student_number, class_name, created_at FROM students WHERE id = ?`, id,
	).Scan(&st.ID, &st.Name, &st.StudentNumber, &st.ClassName, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("student %s: %w", id, ErrNotFound)
	}
	return st, err
}

// ListStudents returns all students, or only those in the given class
// when className is non-empty.
func (s *Store) ListStudents(className string) ([]model.Student, error) {
	query := `SELECT id, name, student_number, class_name, created_at FROM students`
	var args []any
	if className != "" {
		query += ` WHERE class_name = ?`
		args = append(args, className)
	}
	query += ` ORDER BY name`
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var students []model.Student
	for rows.Next() {
		var st model.Student
		if err := rows.Scan(&st.ID, &st.Name, &st.StudentNumber, &st.ClassName, &st.CreatedAt); err != nil {
			return nil, err
		}
		students = append(students, st)
	}
	return students, rows.Err()
}

// CreateExam stores an exam with its questions and skill edges in one
// transaction.
func (s *Store) CreateExam(exam model.Exam, questions []model.Question) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO exams (id, title, subject, grade_level, duration_minutes, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		exam.ID, exam.Title, exam.Subject, exam.GradeLevel, exam.DurationMinutes, exam.CreatedAt,
	)
	if err != nil {
		return err
	}

	for _, q := range questions {
		_, err := tx.Exec(
			`INSERT INTO questions (id, exam_id, number, text, type, correct_answer, max_points, topic)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			q.ID, exam.ID, q.Number, q.Text, q.Type, q.CorrectAnswer, q.MaxPoints, q.Topic,
		)
		if err != nil {
			return err
		}
		for i, skill := range q.Skills {
			if _, err := tx.Exec(`INSERT OR IGNORE INTO skills (name) VALUES (?)`, skill); err != nil {
				return err
			}
			_, err := tx.Exec(
				`INSERT INTO question_skills (question_id, skill_name, position) VALUES (?, ?, ?)`,
				q.ID, skill, i,
			)
			if err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// GetExam returns an exam by ID.
func (s *Store) GetExam(id string) (model.Exam, error) {
	var e model.Exam
	err := s.db.QueryRow(
		`SELECT id, title, subject, grade_level, duration_minutes, created_at FROM exams WHERE id = ?`, id,
	).Scan(&e.ID, &e.Title, &e.Subject, &e.GradeLevel, &e.DurationMinutes, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, fmt.Errorf("exam %s: %w", id, ErrNotFound)
	}
	return e, err
}

// ListExams returns all exams, newest first.
func (s *Store) ListExams() ([]model.Exam, error) {
	rows, err := s.db.Query(`SELECT id, title, subject, grade_level, duration_minutes, created_at FROM exams ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var exams []model.Exam
	for rows.Next() {
		var e model.Exam
		if err := rows.Scan(&e.ID, &e.Title, &e.Subject, &e.GradeLevel, &e.DurationMinutes, &e.CreatedAt); err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

// GetExamQuestions returns the exam's questions with their skill tags,
// in question-number order.
func (s *Store) GetExamQuestions(examID string) ([]model.Question, error) {
	rows, err := s.db.Query(
		`SELECT id, exam_id, number, text, type, correct_answer, max_points, topic
		 FROM questions WHERE exam_id = ? ORDER BY number`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.ExamID, &q.Number, &q.Text, &q.Type, &q.CorrectAnswer, &q.MaxPoints, &q.Topic); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range questions {
		skills, err := s.questionSkills(questions[i].ID)
		if err != nil {
			return nil, err
		}
		questions[i].Skills = skills
	}
	return questions, nil
}

func (s *Store) questionSkills(questionID string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT skill_name FROM question_skills WHERE question_id = ? ORDER BY position`, questionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var skills []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		skills = append(skills, name)
	}
	return skills, rows.Err()
}

// CreateSubmission stores a submission with its answers in one
// transaction. The initial status is pending.
func (s *Store) CreateSubmission(sub model.Submission, answers []model.Answer) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO submissions (id, exam_id, student_id, status, raw_text, submitted_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.ExamID, sub.StudentID, model.StatusPending, sub.RawText, sub.SubmittedAt,
	)
	if err != nil {
		return err
	}
	for _, a := range answers {
		_, err := tx.Exec(
			`INSERT INTO answers (id, submission_id, question_id, text) VALUES (?, ?, ?, ?)`,
			a.ID, sub.ID, a.QuestionID, a.Text,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetSubmission returns a submission by ID.
func (s *Store) GetSubmission(id string) (model.Submission, error) {
	var sub model.Submission
	err := s.db.QueryRow(
		`SELECT id, exam_id, student_id, status, raw_text, submitted_at FROM submissions WHERE id = ?`, id,
	).Scan(&sub.ID, &sub.ExamID, &sub.StudentID, &sub.Status, &sub.RawText, &sub.SubmittedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return sub, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	return sub, err
}

// ListSubmissions returns all submissions for an exam, oldest first.
func (s *Store) ListSubmissions(examID string) ([]model.Submission, error) {
	rows, err := s.db.Query(
		`SELECT id, exam_id, student_id, status, raw_text, submitted_at
		 FROM submissions WHERE exam_id = ? ORDER BY submitted_at, id`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []model.Submission
	for rows.Next() {
		var sub model.Submission
		if err := rows.Scan(&sub.ID, &sub.ExamID, &sub.StudentID, &sub.Status, &sub.RawText, &sub.SubmittedAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// GetAnswers returns a submission's answers in insertion order.
func (s *Store) GetAnswers(submissionID string) ([]model.Answer, error) {
	rows, err := s.db.Query(
		`SELECT id, question_id, text FROM answers WHERE submission_id = ? ORDER BY rowid`, submissionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var answers []model.Answer
	for rows.Next() {
		var a model.Answer
		if err := rows.Scan(&a.ID, &a.QuestionID, &a.Text); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// UpdateSubmissionStatus moves a submission through the state machine.
// The current status is read and checked inside the same transaction so
// concurrent correctors cannot both claim a submission.
func (s *Store) UpdateSubmissionStatus(id string, status model.SubmissionStatus) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current model.SubmissionStatus
	err = tx.QueryRow(`SELECT status FROM submissions WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if !model.CanTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}
	if _, err := tx.Exec(`UPDATE submissions SET status = ? WHERE id = ?`, status, id); err != nil {
		return err
	}
	return tx.Commit()
}
